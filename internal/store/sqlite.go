package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/quakemap/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are stored
// as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS renders (
	id         TEXT PRIMARY KEY,
	request    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    TEXT,
	error      TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS response_cache (
	key          TEXT PRIMARY KEY,
	content_type TEXT NOT NULL DEFAULT '',
	body         BLOB NOT NULL,
	cached_at    INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_renders_status ON renders(status);
CREATE INDEX IF NOT EXISTS idx_renders_created_at ON renders(created_at);
CREATE INDEX IF NOT EXISTS idx_response_cache_expires_at ON response_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetResponse(ctx context.Context, key string) (string, []byte, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_type, body FROM response_cache WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli(),
	)
	var ct string
	var body []byte
	err := row.Scan(&ct, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, eris.Wrap(err, "sqlite: get cached response")
	}
	return ct, body, true, nil
}

func (s *SQLiteStore) SetResponse(ctx context.Context, key, contentType string, body []byte, ttl time.Duration) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (key, content_type, body, cached_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET content_type = excluded.content_type, body = excluded.body,
		 cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		key, contentType, body, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return eris.Wrap(err, "sqlite: set cached response")
}

func (s *SQLiteStore) DeleteExpiredResponses(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= ?`, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired responses")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CreateRender(ctx context.Context, req model.RenderRequest) (*model.Render, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Truncate(time.Millisecond)

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal render request")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO renders (id, request, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(reqJSON), string(model.RenderStatusRunning), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert render")
	}

	return &model.Render{
		ID:        id,
		Request:   req,
		Status:    model.RenderStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteRender(ctx context.Context, id string, summary *model.RenderSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal render summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE renders SET summary = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(model.RenderStatusComplete), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete render %s", id)
	}
	return checkRowsAffected(res, "render", id)
}

func (s *SQLiteStore) FailRender(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE renders SET error = ?, status = ?, updated_at = ? WHERE id = ?`,
		errMsg, string(model.RenderStatusFailed), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail render %s", id)
	}
	return checkRowsAffected(res, "render", id)
}

func (s *SQLiteStore) GetRender(ctx context.Context, id string) (*model.Render, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request, status, summary, error, created_at, updated_at FROM renders WHERE id = ?`,
		id,
	)
	return scanRender(row)
}

func (s *SQLiteStore) ListRenders(ctx context.Context, filter RenderFilter) ([]model.Render, error) {
	query := `SELECT id, request, status, summary, error, created_at, updated_at FROM renders WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UnixMilli())
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list renders")
	}
	defer rows.Close() //nolint:errcheck

	var renders []model.Render
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, err
		}
		renders = append(renders, *r)
	}
	return renders, eris.Wrap(rows.Err(), "sqlite: list renders iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRender(row scannable) (*model.Render, error) {
	var r model.Render
	var reqJSON string
	var summaryJSON, errMsg sql.NullString
	var created, updated int64

	err := row.Scan(&r.ID, &reqJSON, &r.Status, &summaryJSON, &errMsg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan render")
	}

	if err := json.Unmarshal([]byte(reqJSON), &r.Request); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal render request")
	}
	if summaryJSON.Valid {
		r.Summary = &model.RenderSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal render summary")
		}
	}
	r.Error = errMsg.String
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return &r, nil
}
