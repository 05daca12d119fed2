package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quakemap/internal/config"
	"github.com/sells-group/quakemap/internal/model"
)

// ErrNotFound is returned when a render ID does not exist.
var ErrNotFound = eris.New("render not found")

// RenderFilter specifies criteria for listing renders.
type RenderFilter struct {
	Status       model.RenderStatus `json:"status,omitempty"`
	CreatedAfter time.Time          `json:"created_after,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
}

// Store defines persistence for the provider response cache and render history.
type Store interface {
	// Response cache, keyed by fetcher.CacheKey.
	GetResponse(ctx context.Context, key string) (contentType string, body []byte, ok bool, err error)
	SetResponse(ctx context.Context, key, contentType string, body []byte, ttl time.Duration) error
	DeleteExpiredResponses(ctx context.Context) (int, error)

	// Renders
	CreateRender(ctx context.Context, req model.RenderRequest) (*model.Render, error)
	CompleteRender(ctx context.Context, id string, summary *model.RenderSummary) error
	FailRender(ctx context.Context, id string, errMsg string) error
	GetRender(ctx context.Context, id string) (*model.Render, error)
	ListRenders(ctx context.Context, filter RenderFilter) ([]model.Render, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects the configured backend and runs migrations. The "none" driver
// returns a nil Store.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "sqlite", "":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
