package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketsync/internal/channel"
	"marketsync/internal/content"
	"marketsync/internal/enrich"
	"marketsync/internal/feed"
	"marketsync/internal/fetch"
	"marketsync/internal/models"
	"marketsync/internal/offer"
	"marketsync/internal/resume"
	"marketsync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	store    *storage.BboltStorage
	broker   *feed.Broker
	channels *channel.Manager
	enricher *enrich.Enricher
	machine  *offer.Machine
}

func newHarness(t *testing.T, channelConfig ...channel.Config) *harness {
	t.Helper()
	var chCfg channel.Config
	if len(channelConfig) > 0 {
		chCfg = channelConfig[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	broker := feed.NewBroker(64, nil)
	t.Cleanup(broker.Close)

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"), broker)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, p := range []models.Profile{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
		{ID: "carol", DisplayName: "Carol"},
	} {
		require.NoError(t, store.UpsertProfile(ctx, p))
	}
	require.NoError(t, store.UpsertListing(ctx, models.Listing{
		ID: "L", SellerID: "alice", Title: "Bike", Price: 10000, Currency: "GHS", Status: models.ListingStatusActive,
	}))

	return &harness{
		store:    store,
		broker:   broker,
		channels: channel.NewManager(ctx, broker, chCfg),
		enricher: enrich.New(ctx, store, enrich.Config{}),
		machine:  offer.NewMachine(store, offer.Config{}),
	}
}

func (h *harness) session(t *testing.T, userID string, classifier Classifier) *Session {
	t.Helper()
	return h.sessionWith(t, userID, classifier, h.store)
}

func (h *harness) sessionWith(t *testing.T, userID string, classifier Classifier, backend Backend) *Session {
	t.Helper()
	if classifier == nil {
		classifier = content.NewClassifier()
	}
	s, err := NewSession(Deps{
		Backend:    backend,
		Channels:   h.channels,
		Enricher:   h.enricher,
		Classifier: classifier,
		Offers:     h.machine,
	}, Config{UserID: userID, Fetch: fetch.Policy{Timeout: time.Second}})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func (h *harness) conversation(t *testing.T, a, b, listingID string) models.Conversation {
	t.Helper()
	conv, _, err := h.store.FindOrCreateConversation(context.Background(), a, b, listingID)
	require.NoError(t, err)
	return conv
}

// waitOpen blocks until every subscription is live, so writes made by the
// test are not missed.
func (h *harness) waitOpen(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, info := range h.channels.Snapshot() {
			if info.Status != channel.StatusOpen {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(Deps{}, Config{})
	assert.ErrorIs(t, err, models.ErrInvalid)

	_, err = NewSession(Deps{}, Config{UserID: "alice"})
	assert.Error(t, err)
}

func TestSend_ReconcilesToOneEntry(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	alice := h.session(t, "alice", nil)
	ctx := context.Background()

	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	h.waitOpen(t)

	sent, err := alice.Send(ctx, conv.ID, "Is it still **available**?", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)
	assert.Contains(t, sent.ContentHTML, "<strong>available</strong>")
	require.NotNil(t, sent.Sender)
	assert.Equal(t, "Alice", sent.Sender.DisplayName)

	// The change feed echo must not add a second copy.
	require.Eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].ID == sent.ID && !msgs[0].Pending
	}, waitFor, 5*time.Millisecond)

	assert.Never(t, func() bool { return len(alice.Messages(conv.ID)) != 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

type observingClassifier struct {
	next    Classifier
	session *Session
	convID  string
	seen    []models.Message
}

func (c *observingClassifier) Check(text string, attachments []models.Attachment) error {
	c.seen = c.session.Messages(c.convID)
	return c.next.Check(text, attachments)
}

func TestSend_RejectedContentRollsBack(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	observer := &observingClassifier{next: content.NewClassifier(), convID: conv.ID}
	alice := h.session(t, "alice", observer)
	observer.session = alice
	ctx := context.Background()

	require.NoError(t, alice.OpenThread(ctx, conv.ID))

	_, err := alice.Send(ctx, conv.ID, "pay to 4111 1111 1111 1111", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrContentRejected)
	var rejected *content.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.NotEmpty(t, rejected.Flags)

	require.Len(t, observer.seen, 1, "message is shown before the check")
	assert.True(t, observer.seen[0].Pending)
	assert.Empty(t, alice.Messages(conv.ID))

	msgs, err := h.store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing was written")
}

func TestSend_FailureRollsBack(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	alice := h.session(t, "alice", nil)
	ctx := context.Background()
	require.NoError(t, alice.OpenThread(ctx, conv.ID))

	_, err := alice.Send(ctx, conv.ID, "   ", nil)
	assert.ErrorIs(t, err, models.ErrInvalid)
	assert.Empty(t, alice.Messages(conv.ID))

	_, err = alice.Send(ctx, "not-open", "hi", nil)
	assert.ErrorIs(t, err, models.ErrInvalid)
}

func TestOpenThread_Forbidden(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	carol := h.session(t, "carol", nil)

	err := carol.OpenThread(context.Background(), conv.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Nil(t, carol.Messages(conv.ID))
}

func TestRemoteMessage_ArrivesEnriched(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")

	var mu sync.Mutex
	updates := map[UpdateKind]int{}
	alice, err := NewSession(Deps{
		Backend:    h.store,
		Channels:   h.channels,
		Enricher:   h.enricher,
		Classifier: content.NewClassifier(),
		Offers:     h.machine,
	}, Config{UserID: "alice", OnUpdate: func(u Update) {
		mu.Lock()
		updates[u.Kind]++
		mu.Unlock()
	}})
	require.NoError(t, err)
	t.Cleanup(alice.Close)
	ctx := context.Background()
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	h.waitOpen(t)

	_, err = h.store.InsertMessage(ctx, models.Message{
		ConversationID: conv.ID, SenderID: "bob", Content: "hello", CorrelationID: "b-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].Sender != nil && msgs[0].Sender.DisplayName == "Bob"
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool { return alice.Unread(conv.ID) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, alice.UnreadTotal())

	mu.Lock()
	assert.Positive(t, updates[UpdateMessages])
	assert.Positive(t, updates[UpdateUnread])
	mu.Unlock()

	require.NoError(t, alice.MarkRead(ctx, conv.ID))
	assert.Zero(t, alice.Unread(conv.ID))
	counts, err := h.store.UnreadCounts(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, counts[conv.ID])
}

func TestInbox_NewConversationAndOrdering(t *testing.T) {
	h := newHarness(t)
	older := h.conversation(t, "alice", "bob", "")
	bob := h.session(t, "bob", nil)
	ctx := context.Background()
	require.Len(t, bob.Conversations(), 1)
	h.waitOpen(t)

	newer, err := bob.StartConversation(ctx, "carol", "L")
	require.NoError(t, err)
	require.NotNil(t, newer.Listing)
	assert.Equal(t, "Bike", newer.Listing.Title)

	_, err = h.store.InsertMessage(ctx, models.Message{ConversationID: older.ID, SenderID: "alice", Content: "ping"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		convs := bob.Conversations()
		return len(convs) == 2 && convs[0].ID == older.ID
	}, waitFor, 5*time.Millisecond)
}

func TestOffers_AcceptCascadeIsVisible(t *testing.T) {
	h := newHarness(t)
	bobConv := h.conversation(t, "bob", "alice", "L")
	carolConv := h.conversation(t, "carol", "alice", "L")

	alice := h.session(t, "alice", nil)
	bob := h.session(t, "bob", nil)
	carol := h.session(t, "carol", nil)
	ctx := context.Background()

	require.NoError(t, alice.OpenThread(ctx, bobConv.ID))
	require.NoError(t, bob.OpenThread(ctx, bobConv.ID))
	require.NoError(t, carol.OpenThread(ctx, carolConv.ID))
	h.waitOpen(t)

	bobOffer, err := bob.MakeOffer(ctx, bobConv.ID, 8000, "")
	require.NoError(t, err)
	_, err = carol.MakeOffer(ctx, carolConv.ID, 7000, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(alice.Offers(bobConv.ID)) == 1 }, waitFor, 5*time.Millisecond)

	res, err := alice.TransitionOffer(ctx, bobConv.ID, bobOffer.Offer.ID, offer.Accept{})
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, res.Offer.Status)
	require.Len(t, res.Rejected, 1)

	offers := alice.Offers(bobConv.ID)
	require.Len(t, offers, 1)
	assert.Equal(t, models.OfferStatusAccepted, offers[0].Status)
	require.NotNil(t, offers[0].Listing)

	require.Eventually(t, func() bool {
		offers := carol.Offers(carolConv.ID)
		return len(offers) == 1 && offers[0].Status == models.OfferStatusRejected
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		offers := bob.Offers(bobConv.ID)
		return len(offers) == 1 && offers[0].Status == models.OfferStatusAccepted
	}, waitFor, 5*time.Millisecond)

	// A second decision loses and the thread shows the winning state.
	_, err = alice.TransitionOffer(ctx, bobConv.ID, bobOffer.Offer.ID, offer.Reject{Reason: "changed my mind"})
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Equal(t, models.OfferStatusAccepted, alice.Offers(bobConv.ID)[0].Status)
}

func TestMakeOffer_NeedsListing(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	bob := h.session(t, "bob", nil)

	_, err := bob.MakeOffer(context.Background(), conv.ID, 100, "")
	assert.ErrorIs(t, err, models.ErrInvalid)
}

func TestMarkUnread_WinsUntilRead(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	alice := h.session(t, "alice", nil)
	ctx := context.Background()

	assert.Zero(t, alice.Unread(conv.ID))

	alice.MarkUnread(conv.ID)
	assert.Equal(t, 1, alice.Unread(conv.ID))

	// The server still reports zero.
	require.NoError(t, alice.Refetch(ctx))
	assert.Equal(t, 1, alice.Unread(conv.ID))

	require.NoError(t, alice.MarkRead(ctx, conv.ID))
	assert.Zero(t, alice.Unread(conv.ID))
	require.NoError(t, alice.Refetch(ctx))
	assert.Zero(t, alice.Unread(conv.ID))
}

func TestRefetch_RestoresMissedRows(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	alice := h.session(t, "alice", nil)
	ctx := context.Background()
	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	h.waitOpen(t)

	// Drop every live subscription, then write while nobody listens.
	alice.Close()
	_, err := h.store.InsertMessage(ctx, models.Message{ConversationID: conv.ID, SenderID: "bob", Content: "while away"})
	require.NoError(t, err)

	require.NoError(t, alice.Start(ctx))
	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	require.NoError(t, alice.Refetch(ctx))

	msgs := alice.Messages(conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "while away", msgs[0].Content)
}

func TestReconnect_ReloadsRowsWrittenWhileDown(t *testing.T) {
	h := newHarness(t, channel.Config{Backoff: 50 * time.Millisecond, Settle: 10 * time.Millisecond})
	conv := h.conversation(t, "alice", "bob", "")
	alice := h.session(t, "alice", nil)
	ctx := context.Background()
	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	h.waitOpen(t)

	// Every stream drops; the write lands before any channel is back.
	h.broker.Interrupt(feed.SignalError)
	_, err := h.store.InsertMessage(ctx, models.Message{ConversationID: conv.ID, SenderID: "bob", Content: "sent while down"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].Content == "sent while down"
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		convs := alice.Conversations()
		return len(convs) == 1 && convs[0].LastMessageAt.After(conv.LastMessageAt)
	}, waitFor, 5*time.Millisecond)
}

func TestResume_RefetchRestoresClosedChannels(t *testing.T) {
	h := newHarness(t, channel.Config{Settle: 10 * time.Millisecond})
	conv := h.conversation(t, "alice", "bob", "")
	alice := h.session(t, "alice", nil)
	ctx := context.Background()
	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	h.waitOpen(t)

	coordinator := resume.New(h.channels, resume.Config{})
	coordinator.Register("session", alice)

	// Closed channels wait for the foreground check, so this write is
	// only seen through the resume refetch.
	h.broker.Interrupt(feed.SignalClosed)
	require.Eventually(t, func() bool {
		for _, info := range h.channels.Snapshot() {
			if info.Status != channel.StatusClosed {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
	_, err := h.store.InsertMessage(ctx, models.Message{ConversationID: conv.ID, SenderID: "bob", Content: "missed"})
	require.NoError(t, err)
	assert.Empty(t, alice.Messages(conv.ID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	states := make(chan resume.AppState)
	go func() { _ = coordinator.Run(runCtx, states) }()
	states <- resume.Background
	states <- resume.Active

	require.Eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].Content == "missed"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, alice.Unread(conv.ID))

	// The grace check then reopens the channels.
	h.waitOpen(t)
}

// flakyBackend fails message loads while failing is set.
type flakyBackend struct {
	*storage.BboltStorage
	failing atomic.Bool
}

func (b *flakyBackend) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if b.failing.Load() {
		return nil, errors.New("connection reset")
	}
	return b.BboltStorage.ListMessages(ctx, conversationID)
}

func TestOpenThread_FailedLoadCanBeRetried(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "alice", "bob", "")
	_, err := h.store.InsertMessage(context.Background(), models.Message{ConversationID: conv.ID, SenderID: "bob", Content: "hi"})
	require.NoError(t, err)

	backend := &flakyBackend{BboltStorage: h.store}
	alice := h.sessionWith(t, "alice", nil, backend)
	ctx := context.Background()

	backend.failing.Store(true)
	err = alice.OpenThread(ctx, conv.ID)
	require.Error(t, err)
	assert.Nil(t, alice.Messages(conv.ID), "failed thread is not registered")
	_, err = alice.Send(ctx, conv.ID, "hello?", nil)
	assert.ErrorIs(t, err, models.ErrInvalid)
	assert.Len(t, h.channels.Snapshot(), 2, "only the inbox channels stay open")

	backend.failing.Store(false)
	require.NoError(t, alice.OpenThread(ctx, conv.ID))
	msgs := alice.Messages(conv.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}
