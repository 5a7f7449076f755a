package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"marketsync/internal/feed"

	"github.com/gorilla/websocket"
)

const clientBuffer = 64

// Client implements feed.Transport over the realtime endpoint. Every
// subscription gets its own connection, so losing one only affects that
// channel.
type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *slog.Logger
}

type ClientOption func(*Client)

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(url, token string, opts ...ClientOption) *Client {
	c := &Client{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe dials, asks for key and waits for the acknowledgement.
func (c *Client) Subscribe(ctx context.Context, key feed.Key) (feed.Stream, error) {
	header := http.Header{}
	header.Set("Token", c.token)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			return nil, fmt.Errorf("failed to dial realtime endpoint: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	// Unblocks the handshake read when ctx ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	ack, err := c.handshake(conn, key)
	if !stop() || err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	s := &clientStream{
		conn:    conn,
		id:      ack.ID,
		changes: make(chan feed.Change, clientBuffer),
		signals: make(chan feed.Signal, 1),
		done:    make(chan struct{}),
		logger:  c.logger.With("key", key.String()),
	}
	go s.read()
	return s, nil
}

func (c *Client) handshake(conn *websocket.Conn, key feed.Key) (ServerFrame, error) {
	req := ClientFrame{Type: FrameSubscribe, ID: 1, Table: key.Table, Filter: key.Filter.String()}
	if err := conn.WriteJSON(req); err != nil {
		return ServerFrame{}, fmt.Errorf("failed to send subscribe: %w", err)
	}

	var ack ServerFrame
	if err := conn.ReadJSON(&ack); err != nil {
		return ServerFrame{}, fmt.Errorf("failed to read subscribe acknowledgement: %w", err)
	}
	switch ack.Type {
	case FrameSubscribed:
		return ack, nil
	case FrameError:
		return ServerFrame{}, fmt.Errorf("subscription to %s refused: %s", key.String(), ack.Error)
	default:
		return ServerFrame{}, fmt.Errorf("unexpected %q frame before acknowledgement", ack.Type)
	}
}

type clientStream struct {
	conn    *websocket.Conn
	id      uint64
	changes chan feed.Change
	signals chan feed.Signal
	done    chan struct{}
	logger  *slog.Logger

	closing   atomic.Bool
	closeOnce sync.Once
}

func (s *clientStream) Changes() <-chan feed.Change { return s.changes }
func (s *clientStream) Signals() <-chan feed.Signal { return s.signals }

// Close disconnects without emitting a signal.
func (s *clientStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *clientStream) signal(sig feed.Signal) {
	if s.closing.Load() {
		return
	}
	select {
	case s.signals <- sig:
	default:
	}
}

func (s *clientStream) read() {
	defer s.conn.Close()
	for {
		var f ServerFrame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.closing.Load() {
				s.logger.Debug("realtime connection lost", "error", err)
				if errors.Is(err, context.DeadlineExceeded) {
					s.signal(feed.SignalTimedOut)
				} else {
					s.signal(feed.SignalError)
				}
			}
			return
		}
		if f.ID != s.id {
			continue
		}

		switch f.Type {
		case FrameChange:
			if f.Change == nil {
				continue
			}
			select {
			case s.changes <- *f.Change:
			case <-s.done:
				return
			}
		case FrameSignal:
			s.signal(f.Signal)
			return
		case FrameError:
			s.logger.Warn("realtime subscription failed", "error", f.Error)
			s.signal(feed.SignalError)
			return
		}
	}
}
