// Package events publishes workflow transitions to interested
// listeners. Publication is best effort; the workflow never blocks on
// or rolls back for a failed publish.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/crestline/approvald/approval"
)

// Event is one workflow occurrence.
type Event struct {
	Kind         string         `json:"kind"`
	SubmissionID string         `json:"submission_id"`
	State        approval.State `json:"state,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	Team         string         `json:"team,omitempty"`
	Filename     string         `json:"filename,omitempty"`
	At           time.Time      `json:"at"`
}

// Event kinds.
const (
	KindTransition = "transition"
	KindComment    = "comment"
	KindPlacement  = "placement"
)

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NoopSink discards events. Used when no event transport is configured.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) error { return nil }
func (NoopSink) Close() error                         { return nil }

// NATSSink publishes events as JSON on {prefix}.{kind} subjects.
type NATSSink struct {
	conn    *nats.Conn
	prefix  string
	ownConn bool
	logger  *slog.Logger
}

// NewNATSSink connects to url and publishes under prefix. The
// connection reconnects indefinitely; events raised while disconnected
// ride the client's pending buffer.
func NewNATSSink(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "approvals"
	}
	conn, err := nats.Connect(url,
		nats.Name("approvald"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, prefix: prefix, ownConn: true, logger: logger}, nil
}

// NewNATSSinkConn wraps an existing connection. Close leaves the
// connection open for its owner.
func NewNATSSinkConn(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "approvals"
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

// Publish sends one event. The subject carries the kind so listeners
// can subscribe to a slice of the stream.
func (s *NATSSink) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subject := s.prefix + "." + event.Kind
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close drains buffered events and, for owned connections, closes.
func (s *NATSSink) Close() error {
	if !s.ownConn {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
