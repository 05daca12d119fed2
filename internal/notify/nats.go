// Package notify publishes render notices to NATS.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quakemap/internal/model"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "quakemap.renders"

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// Publisher sends one message per finished render on <subject>.<status>.
type Publisher struct {
	conn    conn
	subject string
}

// Connect dials the NATS server at url. The connection retries in the
// background, so a server that is down at startup does not fail the command.
func Connect(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("quakemap"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, eris.Wrap(err, "notify: nats connect")
	}
	zap.L().Debug("notify: nats connected", zap.String("url", url), zap.String("subject", subject))
	return newPublisher(nc, subject), nil
}

func newPublisher(c conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: c, subject: subject}
}

// RenderFinished publishes n as JSON.
func (p *Publisher) RenderFinished(_ context.Context, n model.RenderNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "notify: marshal notice")
	}
	subj := p.subject + "." + string(n.Status)
	if err := p.conn.Publish(subj, data); err != nil {
		return eris.Wrapf(err, "notify: publish %s", subj)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
