// Package events publishes sandbox lifecycle events to NATS for the control
// plane and observability consumers. Publishing is best effort: a slow or
// absent broker never blocks leasing or runs.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects relative to the configured prefix.
const (
	SubjectLeaseAcquired = "lease.acquired"
	SubjectLeaseReleased = "lease.released"
	SubjectLeaseExpired  = "lease.expired"
	SubjectRunStarted    = "run.started"
	SubjectRunFinished   = "run.finished"
	SubjectPoolStarved   = "pool.starved"
	SubjectSandboxTaint  = "sandbox.tainted"
)

// Event is the envelope published on every subject.
type Event struct {
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Publisher emits lifecycle events. The zero-value NoopPublisher is used when
// no broker is configured.
type Publisher interface {
	Publish(subject string, fields map[string]any)
	Close()
}

// NoopPublisher drops all events.
type NoopPublisher struct{}

func (NoopPublisher) Publish(string, map[string]any) {}
func (NoopPublisher) Close()                         {}

// NATSPublisher publishes events over a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials the broker. Reconnects are handled by the client; events
// published while disconnected are dropped.
func Connect(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("sandboxd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "sandboxd"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(subject string, fields map[string]any) {
	full := p.prefix + "." + subject
	payload, err := json.Marshal(Event{
		Subject:   full,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	})
	if err != nil {
		return
	}
	if err := p.conn.Publish(full, payload); err != nil {
		slog.Default().With("component", "events").Warn("failed to publish event", "subject", full, "error", err)
	}
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Drain()
	}
}
