package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"marketsync/internal/feed"
	"marketsync/internal/models"
)

type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
}

// Hub relays feed streams to connected peers. Every subscription is checked
// against the rows its user may see.
type Hub struct {
	transport     feed.Transport
	conversations ConversationReader
	logger        *slog.Logger

	mu    sync.RWMutex
	peers map[uint64]*Peer
	next  uint64
}

func NewHub(transport feed.Transport, conversations ConversationReader, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		transport:     transport,
		conversations: conversations,
		logger:        logger,
		peers:         make(map[uint64]*Peer),
	}
}

// Peer is one connection of a user.
type Peer struct {
	ID     uint64
	UserID string
	out    chan ServerFrame

	mu     sync.Mutex
	subs   map[uint64]context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

func newPeer(id uint64, userID string) *Peer {
	return &Peer{
		ID:     id,
		UserID: userID,
		out:    make(chan ServerFrame, 100),
		subs:   make(map[uint64]context.CancelFunc),
	}
}

// Out delivers frames for the client. It is closed by Leave.
func (p *Peer) Out() <-chan ServerFrame { return p.out }

func (p *Peer) send(ctx context.Context, f ServerFrame) bool {
	select {
	case p.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) Join(userID string) *Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	p := newPeer(h.next, userID)
	h.peers[p.ID] = p
	return p
}

// Leave stops every subscription of p and closes its outbound channel.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p.ID)
	h.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id, cancel := range p.subs {
		cancel()
		delete(p.subs, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
	close(p.out)
}

// Online reports whether userID has at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Dispatch handles one client frame. A non-nil result must be written back
// to the client; subscription frames arrive through the peer's Out channel.
func (h *Hub) Dispatch(ctx context.Context, p *Peer, f ClientFrame) *ServerFrame {
	switch f.Type {
	case FrameSubscribe:
		if err := h.subscribe(ctx, p, f); err != nil {
			h.logger.Info("subscription refused", "user_id", p.UserID, "table", f.Table, "filter", f.Filter, "error", err)
			return &ServerFrame{Type: FrameError, ID: f.ID, Error: err.Error()}
		}
		return nil
	case FrameUnsubscribe:
		p.mu.Lock()
		if cancel, ok := p.subs[f.ID]; ok {
			cancel()
			delete(p.subs, f.ID)
		}
		p.mu.Unlock()
		return nil
	default:
		return &ServerFrame{Type: FrameError, ID: f.ID, Error: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
}

func (h *Hub) subscribe(ctx context.Context, p *Peer, f ClientFrame) error {
	key, err := f.Key()
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalid, err)
	}
	if err := h.Authorize(ctx, p.UserID, key); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return feed.ErrClosed
	}
	if _, taken := p.subs[f.ID]; taken {
		return fmt.Errorf("%w: subscription %d already exists", models.ErrConflict, f.ID)
	}

	stream, err := h.transport.Subscribe(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", key.String(), err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	p.subs[f.ID] = cancel
	p.wg.Add(1)
	go h.pump(subCtx, p, f.ID, stream)
	return nil
}

// pump acknowledges the subscription, then forwards its changes until the
// stream signals or the subscription is cancelled.
func (h *Hub) pump(ctx context.Context, p *Peer, id uint64, stream feed.Stream) {
	defer p.wg.Done()
	defer stream.Close()

	if !p.send(ctx, ServerFrame{Type: FrameSubscribed, ID: id}) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-stream.Changes():
			if !p.send(ctx, ServerFrame{Type: FrameChange, ID: id, Change: &c}) {
				return
			}
		case sig := <-stream.Signals():
			p.send(ctx, ServerFrame{Type: FrameSignal, ID: id, Signal: sig})
			p.mu.Lock()
			if cancel, ok := p.subs[id]; ok {
				cancel()
				delete(p.subs, id)
			}
			p.mu.Unlock()
			return
		}
	}
}

// Authorize checks that key only selects rows userID may read. Profiles and
// listings are public; conversations must be filtered to the user and
// messages and offers to one of the user's conversations.
func (h *Hub) Authorize(ctx context.Context, userID string, key feed.Key) error {
	switch key.Table {
	case models.TableProfiles, models.TableListings:
		return nil
	case models.TableConversations:
		if (key.Filter.Column == "participant_a" || key.Filter.Column == "participant_b") && key.Filter.Value == userID {
			return nil
		}
		if key.Filter.Column == "id" {
			return h.authorizeConversation(ctx, userID, key.Filter.Value)
		}
	case models.TableMessages, models.TableOffers:
		if key.Filter.Column == "conversation_id" {
			return h.authorizeConversation(ctx, userID, key.Filter.Value)
		}
	default:
		return fmt.Errorf("%w: unknown table %q", models.ErrInvalid, key.Table)
	}
	return fmt.Errorf("%w: %s may not subscribe to %s", models.ErrForbidden, userID, key.String())
}

func (h *Hub) authorizeConversation(ctx context.Context, userID, conversationID string) error {
	conv, err := h.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: %s is not in conversation %s", models.ErrForbidden, userID, conversationID)
	}
	return nil
}
