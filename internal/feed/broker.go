package feed

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBuffer = 256

// Broker is an in-process Transport. The record store publishes every
// committed change to it.
type Broker struct {
	subs   map[uint64]*brokerStream
	next   uint64
	buffer int
	closed bool
	logger *slog.Logger

	mu sync.RWMutex
}

func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[uint64]*brokerStream),
		buffer: buffer,
		logger: logger,
	}
}

func (b *Broker) Subscribe(ctx context.Context, key Key) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.next++
	s := &brokerStream{
		id:      b.next,
		key:     key,
		broker:  b,
		changes: make(chan Change, b.buffer),
		signals: make(chan Signal, 1),
	}
	b.subs[s.id] = s
	return s, nil
}

// Publish fans a change out to every matching stream. A stream that cannot
// keep up is dropped with an error signal so its owner resubscribes and
// refetches instead of silently missing events.
func (b *Broker) Publish(c Change) {
	var lagging []*brokerStream

	b.mu.RLock()
	for _, s := range b.subs {
		if s.key.Table != c.Table || !s.key.Filter.Match(c.Columns) {
			continue
		}
		select {
		case s.changes <- c:
		default:
			lagging = append(lagging, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range lagging {
		b.logger.Warn("feed subscriber lagging, dropping", "key", s.key.String())
		b.drop(s, SignalError)
	}
}

// Interrupt drops every stream with sig, as a network failure would.
func (b *Broker) Interrupt(sig Signal) {
	b.mu.Lock()
	streams := make([]*brokerStream, 0, len(b.subs))
	for _, s := range b.subs {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		b.drop(s, sig)
	}
}

// Close signals closed to every stream and rejects new subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Interrupt(SignalClosed)
}

// Subscribers returns the number of live streams.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) drop(s *brokerStream, sig Signal) {
	b.mu.Lock()
	_, live := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()

	if live {
		select {
		case s.signals <- sig:
		default:
		}
	}
}

type brokerStream struct {
	id      uint64
	key     Key
	broker  *Broker
	changes chan Change
	signals chan Signal
}

func (s *brokerStream) Changes() <-chan Change { return s.changes }
func (s *brokerStream) Signals() <-chan Signal { return s.signals }

// Close unsubscribes without emitting a signal. It is safe to call twice.
func (s *brokerStream) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s.id)
	s.broker.mu.Unlock()
	return nil
}
