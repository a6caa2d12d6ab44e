// Package natsfeed publishes emitted alerts to a NATS subject so downstream
// dashboards and responders can consume the feed without polling the API.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/aegis/internal/alerting"
)

// DefaultSubject is the subject alerts are published to: one message per
// alert, JSON-encoded, in emission order.
const DefaultSubject = "aegis.alerts"

// Publisher sends alerts to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// Connect dials the NATS server and returns a Publisher. An empty subject
// uses DefaultSubject.
func Connect(url, subject string) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("aegis-alert-feed"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: nc, subject: subject}, nil
}

// Notify publishes an alert. Publishing is fire-and-forget on the client
// buffer; a closed connection surfaces as an error.
func (p *Publisher) Notify(_ context.Context, a *alerting.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("natsfeed: marshal alert: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("natsfeed: publish: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
