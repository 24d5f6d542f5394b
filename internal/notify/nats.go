// Package notify publishes workflow lifecycle events to NATS. Subjects are
// formed as "<prefix>.<event>", e.g. "workflow.instance.completed", so
// downstream consumers can subscribe with wildcards.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// NATSNotifier publishes JSON payloads to NATS subjects.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger Logger
}

// Connect dials the NATS server and returns a notifier publishing under the
// given subject prefix.
func Connect(url, prefix string, logger Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("workflow-engine"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSNotifier{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish sends one event. The payload is serialized as JSON; an unreachable
// broker surfaces as an error for the caller to log, never to retry inline.
func (n *NATSNotifier) Publish(ctx context.Context, subject string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	full := n.prefix + "." + subject
	if err := n.conn.Publish(full, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", full, err)
	}
	n.logger.Debug("notification published", "subject", full)
	return nil
}

// Close drains the connection, flushing buffered publishes.
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.logger.Warn("nats drain failed", "error", err)
	}
}
