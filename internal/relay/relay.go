// ABOUTME: Relay contract and the loop that drains a broadcaster subscription into it
// ABOUTME: Delivery failures are logged and counted, never propagated back to the gateway

package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/concierge-gateway/internal/events"
	"github.com/2389/concierge-gateway/internal/metrics"
)

// ErrEvicted is returned by Run when the broadcaster dropped the subscription
// for falling behind.
var ErrEvicted = errors.New("relay subscription evicted")

// Relay delivers events to one external system.
type Relay interface {
	// Name labels the relay in logs and metrics.
	Name() string

	// Deliver forwards one event. Events the relay does not care about are
	// ignored and return nil.
	Deliver(ctx context.Context, evt events.Event) error

	// Close releases the relay's connection.
	Close() error
}

// Run feeds every event from sub into r until ctx is cancelled or the
// subscription ends. It closes the subscription on return but not the relay.
func Run(ctx context.Context, sub *events.Subscription, r Relay, m *metrics.Metrics, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay", "relay", r.Name())
	defer sub.Close()

	logger.Info("relay started", "subscriber", sub.ID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.C():
			if !ok {
				if sub.Evicted() {
					logger.Warn("relay fell behind and was evicted")
					return ErrEvicted
				}
				logger.Info("relay stopped")
				return nil
			}
			if err := r.Deliver(ctx, evt); err != nil {
				m.RelayError(r.Name())
				logger.Warn("relay delivery failed", "type", evt.Type, "seq", evt.Seq, "error", err)
			}
		}
	}
}
