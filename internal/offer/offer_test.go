package offer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketsync/internal/models"
	"marketsync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	recipient string
	event     Event
	offerID   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (n *recordingNotifier) NotifyOffer(ctx context.Context, recipientID string, event Event, o models.Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{recipient: recipientID, event: event, offerID: o.ID})
	return n.err
}

func (n *recordingNotifier) events() []sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sent(nil), n.sent...)
}

type fixture struct {
	store    *storage.BboltStorage
	machine  *Machine
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "offers.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertListing(context.Background(), models.Listing{
		ID: "L", SellerID: "seller", Title: "Phone", Price: 10000, Currency: "GHS",
	}))

	f := &fixture{
		store:    store,
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.machine = NewMachine(store, Config{Notifier: f.notifier})
	f.machine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) propose(t *testing.T, buyer string, amount int64) models.Offer {
	t.Helper()
	ctx := context.Background()
	conv, _, err := f.store.FindOrCreateConversation(ctx, buyer, "seller", "L")
	require.NoError(t, err)
	res, err := f.machine.Propose(ctx, Proposal{
		ConversationID: conv.ID,
		ListingID:      "L",
		BuyerID:        buyer,
		Amount:         amount,
	})
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	return res.Offer
}

func (f *fixture) statuses(t *testing.T) map[int64]models.OfferStatus {
	t.Helper()
	offers, err := f.store.ListOffersByListing(context.Background(), "L")
	require.NoError(t, err)
	out := make(map[int64]models.OfferStatus, len(offers))
	for _, o := range offers {
		out[o.Amount] = o.Status
	}
	return out
}

func TestAccept_RejectsRivalsAndReservesListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.propose(t, "b50", 5000)
	sixty := f.propose(t, "b60", 6000)
	f.propose(t, "b70", 7000)

	res, err := f.machine.Transition(ctx, "seller", sixty.ID, Accept{})
	require.NoError(t, err)

	assert.Equal(t, map[int64]models.OfferStatus{
		5000: models.OfferStatusRejected,
		6000: models.OfferStatusAccepted,
		7000: models.OfferStatusRejected,
	}, f.statuses(t))

	listing, err := f.store.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusReserved, listing.Status)
	assert.True(t, f.now.Add(DefaultReservation).Equal(listing.ReservedUntil), "reserved until %s", listing.ReservedUntil)

	assert.Len(t, res.Rejected, 2)
	for _, r := range res.Rejected {
		assert.Equal(t, rivalAcceptedReason, r.ResponseMessage)
	}

	events := f.notifier.events()
	assert.Contains(t, events, sent{recipient: "b60", event: EventAccepted, offerID: sixty.ID})
	rejectedNotices := 0
	for _, e := range events {
		if e.event == EventRejected {
			rejectedNotices++
		}
	}
	assert.Equal(t, 2, rejectedNotices)
}

func TestAccept_CascadeCounts(t *testing.T) {
	for n := 0; n <= 4; n++ {
		t.Run(fmt.Sprintf("%d rivals", n), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			chosen := f.propose(t, "chosen", 9000)
			for i := 0; i < n; i++ {
				f.propose(t, fmt.Sprintf("rival-%d", i), int64(1000+i*100))
			}

			_, err := f.machine.Transition(ctx, "seller", chosen.ID, Accept{})
			require.NoError(t, err)

			offers, err := f.store.ListOffersByListing(ctx, "L")
			require.NoError(t, err)
			counts := map[models.OfferStatus]int{}
			for _, o := range offers {
				counts[o.Status]++
			}
			assert.Equal(t, 1, counts[models.OfferStatusAccepted])
			assert.Equal(t, n, counts[models.OfferStatusRejected])
			assert.Equal(t, 0, counts[models.OfferStatusPending])

			listing, err := f.store.GetListing(ctx, "L")
			require.NoError(t, err)
			assert.Equal(t, models.ListingStatusReserved, listing.Status)
		})
	}
}

func TestTransition_NonPendingIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.propose(t, "b1", 5000)
	second := f.propose(t, "b2", 6000)

	_, err := f.machine.Transition(ctx, "seller", first.ID, Accept{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		actor  string
		id     string
		action Action
	}{
		{"accept again", "seller", first.ID, Accept{}},
		{"accept rejected rival", "seller", second.ID, Accept{}},
		{"reject accepted", "b1", first.ID, Reject{}},
		{"counter rejected", "b2", second.ID, Counter{Amount: 5500}},
		{"withdraw accepted", "b1", first.ID, Withdraw{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.machine.Transition(ctx, tt.actor, tt.id, tt.action)
			assert.ErrorIs(t, err, models.ErrConflict)
		})
	}

	assert.Equal(t, map[int64]models.OfferStatus{
		5000: models.OfferStatusAccepted,
		6000: models.OfferStatusRejected,
	}, f.statuses(t))
}

func TestTransition_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.propose(t, "buyer", 5000)

	tests := []struct {
		name   string
		actor  string
		action Action
	}{
		{"stranger accepts", "mallory", Accept{}},
		{"stranger rejects", "mallory", Reject{}},
		{"empty actor", "", Accept{}},
		{"seller withdraws", "seller", Withdraw{}},
		{"buyer expires", "buyer", Expire{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.machine.Transition(ctx, tt.actor, o.ID, tt.action)
			assert.ErrorIs(t, err, models.ErrForbidden)
		})
	}

	got, err := f.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPending, got.Status)

	_, err = f.machine.Transition(ctx, "nobody", "missing", Accept{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.propose(t, "b1", 5000)
	b := f.propose(t, "b2", 6000)

	res, err := f.machine.Transition(ctx, "seller", a.ID, Reject{Reason: " too low "})
	require.NoError(t, err)
	assert.Equal(t, "too low", res.Offer.ResponseMessage)
	assert.Empty(t, res.Rejected)

	got, err := f.store.GetOffer(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPending, got.Status, "reject has no cascade")

	listing, err := f.store.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusActive, listing.Status)
}

func TestCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	original := f.propose(t, "buyer", 5000)

	_, err := f.machine.Transition(ctx, "seller", original.ID, Counter{Amount: 10000})
	assert.ErrorIs(t, err, models.ErrInvalid, "counter at listing price")
	_, err = f.machine.Transition(ctx, "seller", original.ID, Counter{Amount: 0})
	assert.ErrorIs(t, err, models.ErrInvalid)

	res, err := f.machine.Transition(ctx, "seller", original.ID, Counter{Amount: 8000, Message: "best I can do"})
	require.NoError(t, err)
	require.NotNil(t, res.Counter)

	child := *res.Counter
	assert.Equal(t, original.ID, child.ParentOfferID)
	assert.Equal(t, "seller", child.BuyerID, "counter-proposer takes the buyer role")
	assert.Equal(t, "buyer", child.SellerID)
	assert.Equal(t, models.OfferStatusPending, child.Status)
	assert.Equal(t, f.now.Add(DefaultExpiry), child.ExpiresAt)

	parent, err := f.store.GetOffer(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCountered, parent.Status)

	offers, err := f.store.ListOffersByListing(ctx, "L")
	require.NoError(t, err)
	children := 0
	for _, o := range offers {
		if o.ParentOfferID == original.ID {
			children++
		}
	}
	assert.Equal(t, 1, children)

	require.Len(t, res.Messages, 1)
	msg := res.Messages[0]
	assert.Equal(t, models.MessageKindOffer, msg.Kind)
	assert.Equal(t, child.ID, msg.OfferID)
	assert.Equal(t, child.MessageID, msg.ID)
	assert.Contains(t, msg.Content, "GHS 80.00")

	assert.Contains(t, f.notifier.events(), sent{recipient: "buyer", event: EventCountered, offerID: child.ID})

	// The negotiation continues on the child.
	_, err = f.machine.Transition(ctx, "buyer", child.ID, Accept{})
	require.NoError(t, err)
}

func TestWithdrawAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withdrawn := f.propose(t, "b1", 5000)
	stale := f.propose(t, "b2", 6000)

	_, err := f.machine.Transition(ctx, "b1", withdrawn.ID, Withdraw{})
	require.NoError(t, err)

	_, err = f.machine.Transition(ctx, SystemActor, stale.ID, Expire{})
	assert.ErrorIs(t, err, models.ErrInvalid, "not yet expired")

	f.now = f.now.Add(DefaultExpiry)
	sweeper := NewSweeper(f.machine, f.store, time.Minute)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, map[int64]models.OfferStatus{
		5000: models.OfferStatusWithdrawn,
		6000: models.OfferStatusExpired,
	}, f.statuses(t))

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweeper_ReleasesLapsedReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.propose(t, "buyer", 5000)
	_, err := f.machine.Transition(ctx, "seller", o.ID, Accept{})
	require.NoError(t, err)

	sweeper := NewSweeper(f.machine, f.store, time.Minute)
	f.now = f.now.Add(DefaultReservation - time.Second)
	n, err := sweeper.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = f.machine.Release(ctx, "L")
	assert.ErrorIs(t, err, models.ErrInvalid, "hold has not lapsed")

	f.now = f.now.Add(time.Second)
	n, err = sweeper.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	listing, err := f.store.GetListing(ctx, "L")
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusActive, listing.Status)
	assert.True(t, listing.ReservedUntil.IsZero())

	// The accepted offer keeps its status.
	assert.Equal(t, map[int64]models.OfferStatus{5000: models.OfferStatusAccepted}, f.statuses(t))

	n, err = sweeper.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = f.machine.Release(ctx, "L")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestNewMachine_CustomReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := NewMachine(f.store, Config{Reservation: time.Hour})
	m.now = func() time.Time { return f.now }

	o := f.propose(t, "buyer", 5000)
	res, err := m.Transition(ctx, "seller", o.ID, Accept{})
	require.NoError(t, err)
	require.NotNil(t, res.Listing)
	assert.True(t, f.now.Add(time.Hour).Equal(res.Listing.ReservedUntil))
}

type failingStore struct {
	*storage.BboltStorage
}

func (s failingStore) Commit(ctx context.Context, cs models.ChangeSet) (models.CommitResult, error) {
	return models.CommitResult{}, errors.New("disk full")
}

func TestTransition_CommitFailureNotifiesNobody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.propose(t, "buyer", 5000)
	before := len(f.notifier.events())

	m := NewMachine(failingStore{f.store}, Config{Notifier: f.notifier})
	_, err := m.Transition(ctx, "seller", o.ID, Accept{})
	require.Error(t, err)

	assert.Len(t, f.notifier.events(), before)
	got, err := f.store.GetOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPending, got.Status)
}

func TestNotifierFailureIsNotReturned(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("push endpoint gone")

	o := f.propose(t, "buyer", 5000)
	_, err := f.machine.Transition(context.Background(), "seller", o.ID, Reject{})
	assert.NoError(t, err)
}
