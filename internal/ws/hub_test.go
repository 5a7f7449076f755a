package ws

import (
	"context"
	"testing"
	"time"

	"marketsync/internal/feed"
	"marketsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conversations map[string]models.Conversation

func (c conversations) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	conv, ok := c[id]
	if !ok {
		return models.Conversation{}, models.ErrNotFound
	}
	return conv, nil
}

var testConversations = conversations{
	"c1": {ID: "c1", ParticipantA: "u1", ParticipantB: "u2"},
}

func messageChange(t *testing.T, conversationID, content string) feed.Change {
	t.Helper()
	c, err := feed.NewChange(models.TableMessages, feed.OpInsert,
		models.Message{ID: content, ConversationID: conversationID, Content: content},
		map[string]string{"conversation_id": conversationID})
	require.NoError(t, err)
	return c
}

func nextFrame(t *testing.T, p *Peer) ServerFrame {
	t.Helper()
	select {
	case f, ok := <-p.Out():
		require.True(t, ok, "peer closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return ServerFrame{}
	}
}

func TestHub_Lifecycle(t *testing.T) {
	broker := feed.NewBroker(8, nil)
	h := NewHub(broker, testConversations, nil)
	ctx := context.Background()

	// 1. Join
	p1 := h.Join("u1")
	p2 := h.Join("u2")
	assert.True(t, h.Online("u1"))
	assert.False(t, h.Online("u3"))
	assert.Equal(t, 2, h.Peers())

	// 2. Subscribe
	for _, p := range []*Peer{p1, p2} {
		reply := h.Dispatch(ctx, p, ClientFrame{Type: FrameSubscribe, ID: 1, Table: models.TableMessages, Filter: "conversation_id=eq.c1"})
		require.Nil(t, reply)
		assert.Equal(t, FrameSubscribed, nextFrame(t, p).Type)
	}

	// 3. Publish & Receive
	broker.Publish(messageChange(t, "c1", "hello"))
	broker.Publish(messageChange(t, "c2", "elsewhere"))
	for _, p := range []*Peer{p1, p2} {
		f := nextFrame(t, p)
		require.Equal(t, FrameChange, f.Type)
		var m models.Message
		require.NoError(t, f.Change.Decode(&m))
		assert.Equal(t, "hello", m.Content)
	}

	// 4. Unsubscribe
	assert.Nil(t, h.Dispatch(ctx, p2, ClientFrame{Type: FrameUnsubscribe, ID: 1}))
	require.Eventually(t, func() bool { return broker.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	// 5. Leave
	h.Leave(p1)
	assert.False(t, h.Online("u1"))
	_, ok := <-p1.Out()
	assert.False(t, ok, "out is closed on leave")
	assert.Zero(t, broker.Subscribers())

	h.Leave(p1)
}

func TestHub_SignalEndsSubscription(t *testing.T) {
	broker := feed.NewBroker(8, nil)
	h := NewHub(broker, testConversations, nil)
	p := h.Join("u1")
	t.Cleanup(func() { h.Leave(p) })

	require.Nil(t, h.Dispatch(context.Background(), p, ClientFrame{Type: FrameSubscribe, ID: 4, Table: models.TableListings}))
	require.Equal(t, FrameSubscribed, nextFrame(t, p).Type)

	broker.Interrupt(feed.SignalTimedOut)
	f := nextFrame(t, p)
	assert.Equal(t, FrameSignal, f.Type)
	assert.Equal(t, uint64(4), f.ID)
	assert.Equal(t, feed.SignalTimedOut, f.Signal)

	// The id can be reused once the subscription ended.
	require.Eventually(t, func() bool {
		return h.Dispatch(context.Background(), p, ClientFrame{Type: FrameSubscribe, ID: 4, Table: models.TableListings}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Dispatch_Errors(t *testing.T) {
	h := NewHub(feed.NewBroker(8, nil), testConversations, nil)
	p := h.Join("u1")
	t.Cleanup(func() { h.Leave(p) })
	ctx := context.Background()

	require.Nil(t, h.Dispatch(ctx, p, ClientFrame{Type: FrameSubscribe, ID: 1, Table: models.TableProfiles}))

	tests := []struct {
		name  string
		frame ClientFrame
	}{
		{"Duplicate id", ClientFrame{Type: FrameSubscribe, ID: 1, Table: models.TableProfiles}},
		{"Bad filter", ClientFrame{Type: FrameSubscribe, ID: 2, Table: models.TableMessages, Filter: "conversation_id>c1"}},
		{"Unknown frame", ClientFrame{Type: "join", ID: 3}},
		{"Forbidden", ClientFrame{Type: FrameSubscribe, ID: 4, Table: models.TableConversations, Filter: "participant_a=eq.u2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.Dispatch(ctx, p, tt.frame)
			require.NotNil(t, reply)
			assert.Equal(t, FrameError, reply.Type)
			assert.Equal(t, tt.frame.ID, reply.ID)
			assert.NotEmpty(t, reply.Error)
		})
	}
}

func TestHub_Authorize(t *testing.T) {
	h := NewHub(feed.NewBroker(8, nil), testConversations, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		userID  string
		key     feed.Key
		wantErr error
	}{
		{"Listings are public", "u3", feed.Key{Table: models.TableListings}, nil},
		{"Own conversations", "u1", feed.Key{Table: models.TableConversations, Filter: feed.Eq("participant_b", "u1")}, nil},
		{"Other user's conversations", "u1", feed.Key{Table: models.TableConversations, Filter: feed.Eq("participant_a", "u2")}, models.ErrForbidden},
		{"All conversations", "u1", feed.Key{Table: models.TableConversations}, models.ErrForbidden},
		{"Conversation by id", "u2", feed.Key{Table: models.TableConversations, Filter: feed.Eq("id", "c1")}, nil},
		{"Participant messages", "u2", feed.Key{Table: models.TableMessages, Filter: feed.Eq("conversation_id", "c1")}, nil},
		{"Outsider offers", "u3", feed.Key{Table: models.TableOffers, Filter: feed.Eq("conversation_id", "c1")}, models.ErrForbidden},
		{"Unknown conversation", "u1", feed.Key{Table: models.TableOffers, Filter: feed.Eq("conversation_id", "zz")}, models.ErrNotFound},
		{"Unfiltered messages", "u1", feed.Key{Table: models.TableMessages}, models.ErrForbidden},
		{"Unknown table", "u1", feed.Key{Table: "sessions"}, models.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Authorize(ctx, tt.userID, tt.key)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
