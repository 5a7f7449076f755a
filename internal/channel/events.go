package channel

import (
	"context"

	"marketsync/internal/feed"
)

// Insert, Update and Delete carry a decoded row of type T.
type Insert[T any] struct{ Record T }
type Update[T any] struct{ Record T }
type Delete[T any] struct{ Record T }

type Handlers[T any] struct {
	OnInsert func(Insert[T])
	OnUpdate func(Update[T])
	OnDelete func(Delete[T])
}

// EnrichFunc hydrates a minimal row. It must not fail: on error it
// returns the row unchanged.
type EnrichFunc[T any] func(ctx context.Context, op feed.Op, minimal T) T

type options[T any] struct {
	enrich   EnrichFunc[T]
	reopened func(ctx context.Context)
}

type Option[T any] func(*options[T])

// WithEnricher runs fn on every insert and update before the handler sees
// it. Deletes are passed through as received.
func WithEnricher[T any](fn EnrichFunc[T]) Option[T] {
	return func(o *options[T]) { o.enrich = fn }
}

// OnReopen calls fn each time the subscription is back up after a
// reconnect, once the new stream is live. ctx ends with that stream.
func OnReopen[T any](fn func(ctx context.Context)) Option[T] {
	return func(o *options[T]) { o.reopened = fn }
}

// Open subscribes to key and dispatches decoded changes to h. Failures to
// subscribe are retried in the background; Open itself never fails.
func Open[T any](m *Manager, key feed.Key, h Handlers[T], opts ...Option[T]) *Handle {
	var o options[T]
	for _, opt := range opts {
		opt(&o)
	}

	deliver := func(ctx context.Context, c feed.Change, live func() bool) {
		var rec T
		if err := c.Decode(&rec); err != nil {
			m.logger.Error("dropping undecodable change", "key", key.String(), "op", c.Op, "error", err)
			return
		}
		if o.enrich != nil && c.Op != feed.OpDelete {
			rec = o.enrich(ctx, c.Op, rec)
		}
		// The subscription may have been closed or reconnected while the
		// enrichment read was in flight.
		if !live() {
			return
		}

		switch c.Op {
		case feed.OpInsert:
			if h.OnInsert != nil {
				h.OnInsert(Insert[T]{Record: rec})
			}
		case feed.OpUpdate:
			if h.OnUpdate != nil {
				h.OnUpdate(Update[T]{Record: rec})
			}
		case feed.OpDelete:
			if h.OnDelete != nil {
				h.OnDelete(Delete[T]{Record: rec})
			}
		default:
			m.logger.Warn("unknown change op", "key", key.String(), "op", c.Op)
		}
	}

	return m.open(key, deliver, o.reopened)
}
