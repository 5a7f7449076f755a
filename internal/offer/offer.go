// Package offer validates and applies offer negotiation transitions.
package offer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketsync/internal/fetch"
	"marketsync/internal/models"

	"github.com/google/uuid"
)

const (
	// DefaultExpiry is how long a new or counter offer stays pending.
	DefaultExpiry = 72 * time.Hour

	// DefaultReservation is how long an accepted offer holds its listing.
	DefaultReservation = 48 * time.Hour

	// SystemActor is the only actor allowed to expire offers.
	SystemActor = "system"

	rivalAcceptedReason = "Another offer was accepted"
)

// Action is one of Accept, Reject, Counter, Withdraw or Expire.
type Action interface {
	target() models.OfferStatus
}

type Accept struct{}

type Reject struct {
	Reason string
}

// Counter proposes a new amount. The actor becomes the buyer of the new
// offer.
type Counter struct {
	Amount  int64
	Message string
}

// Withdraw is only available to the buyer.
type Withdraw struct{}

// Expire is only available to SystemActor once the offer is past its
// expiry.
type Expire struct{}

func (Accept) target() models.OfferStatus   { return models.OfferStatusAccepted }
func (Reject) target() models.OfferStatus   { return models.OfferStatusRejected }
func (Counter) target() models.OfferStatus  { return models.OfferStatusCountered }
func (Withdraw) target() models.OfferStatus { return models.OfferStatusWithdrawn }
func (Expire) target() models.OfferStatus   { return models.OfferStatusExpired }

type Event string

const (
	EventNew       Event = "new"
	EventAccepted  Event = "accepted"
	EventRejected  Event = "rejected"
	EventCountered Event = "countered"
	EventWithdrawn Event = "withdrawn"
	EventExpired   Event = "expired"
)

// Store is the part of the record store the machine needs. Commit must be
// all-or-nothing.
type Store interface {
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	GetListing(ctx context.Context, id string) (models.Listing, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	Commit(ctx context.Context, cs models.ChangeSet) (models.CommitResult, error)
}

type Notifier interface {
	NotifyOffer(ctx context.Context, recipientID string, event Event, o models.Offer) error
}

type Config struct {
	Expiry      time.Duration
	Reservation time.Duration
	Fetch       fetch.Policy
	Notifier Notifier
	Logger   *slog.Logger
}

type Machine struct {
	store    Store
	notifier Notifier
	fetch    fetch.Policy
	expiry   time.Duration
	hold     time.Duration
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewMachine(store Store, cfg Config) *Machine {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Reservation <= 0 {
		cfg.Reservation = DefaultReservation
	}
	if cfg.Fetch == (fetch.Policy{}) {
		cfg.Fetch = fetch.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		store:    store,
		notifier: cfg.Notifier,
		fetch:    cfg.Fetch,
		expiry:   cfg.Expiry,
		hold:     cfg.Reservation,
		logger:   cfg.Logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Result is what a transition wrote.
type Result struct {
	Offer    models.Offer
	Counter  *models.Offer
	Rejected []models.Offer
	Listing  *models.Listing
	Messages []models.Message
}

// Proposal is a buyer's first offer on a listing.
type Proposal struct {
	ConversationID string
	ListingID      string
	BuyerID        string
	Amount         int64
	Message        string
}

// Propose creates a pending offer and the offer message that links it into
// the conversation.
func (m *Machine) Propose(ctx context.Context, p Proposal) (Result, error) {
	if p.Amount <= 0 {
		return Result{}, fmt.Errorf("%w: offer amount must be greater than zero", models.ErrInvalid)
	}

	listing, err := fetch.Do(ctx, m.fetch, func(ctx context.Context) (models.Listing, error) {
		return m.store.GetListing(ctx, p.ListingID)
	})
	if err != nil {
		return Result{}, err
	}
	conv, err := fetch.Do(ctx, m.fetch, func(ctx context.Context) (models.Conversation, error) {
		return m.store.GetConversation(ctx, p.ConversationID)
	})
	if err != nil {
		return Result{}, err
	}

	if listing.SellerID == p.BuyerID {
		return Result{}, fmt.Errorf("%w: sellers cannot make offers on their own listing", models.ErrInvalid)
	}
	if !conv.HasParticipant(p.BuyerID) || !conv.HasParticipant(listing.SellerID) {
		return Result{}, fmt.Errorf("%w: conversation %s is not between buyer and seller", models.ErrForbidden, conv.ID)
	}
	if listing.Status != models.ListingStatusActive {
		return Result{}, fmt.Errorf("%w: listing %s is %s", models.ErrConflict, listing.ID, listing.Status)
	}

	now := m.now()
	o := models.Offer{
		ID:             m.newID(),
		ListingID:      listing.ID,
		ConversationID: conv.ID,
		MessageID:      m.newID(),
		BuyerID:        p.BuyerID,
		SellerID:       listing.SellerID,
		Amount:         p.Amount,
		Currency:       listing.Currency,
		Message:        strings.TrimSpace(p.Message),
		Status:         models.OfferStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.expiry),
	}
	msg := offerMessage(o, "Offer", now)

	res, err := m.store.Commit(ctx, models.ChangeSet{
		Offers:   []models.OfferWrite{{Offer: o}},
		Messages: []models.Message{msg},
		At:       now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to create offer: %w", err)
	}

	m.notify(ctx, o.SellerID, EventNew, o)
	return Result{Offer: o, Messages: res.Messages}, nil
}

// Transition applies action to the offer on behalf of actorID. Only the
// buyer or the seller may act; a transition on an offer that already left
// pending fails with models.ErrConflict and writes nothing.
func (m *Machine) Transition(ctx context.Context, actorID, offerID string, action Action) (Result, error) {
	current, err := fetch.Do(ctx, m.fetch, func(ctx context.Context) (models.Offer, error) {
		return m.store.GetOffer(ctx, offerID)
	})
	if err != nil {
		return Result{}, err
	}

	if err := m.authorize(actorID, current, action); err != nil {
		return Result{}, err
	}

	next := action.target()
	if !current.Status.CanTransition(next) {
		return Result{}, fmt.Errorf("%w: offer %s is %s and cannot become %s", models.ErrConflict, current.ID, current.Status, next)
	}

	now := m.now()
	updated := current
	updated.Status = next
	updated.UpdatedAt = now

	cs := models.ChangeSet{At: now}
	var (
		counter   *models.Offer
		recipient = current.Counterparty(actorID)
		event     Event
	)

	switch a := action.(type) {
	case Accept:
		event = EventAccepted
		cs.RejectRivals = &models.RivalRejection{
			ListingID:   current.ListingID,
			KeepOfferID: current.ID,
			Reason:      rivalAcceptedReason,
		}
		cs.ListingStatus = &models.ListingStatusWrite{
			ListingID:     current.ListingID,
			Status:        models.ListingStatusReserved,
			ReservedUntil: now.Add(m.hold),
		}
	case Reject:
		event = EventRejected
		updated.ResponseMessage = strings.TrimSpace(a.Reason)
	case Counter:
		event = EventCountered
		child, msg, err := m.counter(ctx, actorID, current, a, now)
		if err != nil {
			return Result{}, err
		}
		counter = &child
		cs.Offers = append(cs.Offers, models.OfferWrite{Offer: child})
		cs.Messages = append(cs.Messages, msg)
	case Withdraw:
		event = EventWithdrawn
	case Expire:
		event = EventExpired
		recipient = current.BuyerID
		if now.Before(current.ExpiresAt) {
			return Result{}, fmt.Errorf("%w: offer %s does not expire until %s", models.ErrInvalid, current.ID, current.ExpiresAt.Format(time.RFC3339))
		}
	default:
		return Result{}, fmt.Errorf("%w: unsupported action %T", models.ErrInvalid, action)
	}

	cs.Offers = append([]models.OfferWrite{{Offer: updated, Expect: current.Status}}, cs.Offers...)

	res, err := m.store.Commit(ctx, cs)
	if err != nil {
		return Result{}, fmt.Errorf("failed to commit %s transition of offer %s: %w", event, current.ID, err)
	}

	m.logger.Info("offer transitioned",
		"offer_id", current.ID,
		"listing_id", current.ListingID,
		"actor", actorID,
		"from", current.Status,
		"to", next,
		"rejected_rivals", len(res.Rejected),
	)

	if counter != nil {
		m.notify(ctx, counter.SellerID, event, *counter)
	} else {
		m.notify(ctx, recipient, event, updated)
	}
	for _, rival := range res.Rejected {
		m.notify(ctx, rival.BuyerID, EventRejected, rival)
	}

	return Result{
		Offer:    updated,
		Counter:  counter,
		Rejected: res.Rejected,
		Listing:  res.Listing,
		Messages: res.Messages,
	}, nil
}

// Release puts a reserved listing whose hold has lapsed back on sale. A
// listing that is no longer reserved fails with models.ErrConflict.
func (m *Machine) Release(ctx context.Context, listingID string) (models.Listing, error) {
	current, err := fetch.Do(ctx, m.fetch, func(ctx context.Context) (models.Listing, error) {
		return m.store.GetListing(ctx, listingID)
	})
	if err != nil {
		return models.Listing{}, err
	}
	if current.Status != models.ListingStatusReserved {
		return models.Listing{}, fmt.Errorf("%w: listing %s is %s", models.ErrConflict, listingID, current.Status)
	}
	now := m.now()
	if now.Before(current.ReservedUntil) {
		return models.Listing{}, fmt.Errorf("%w: listing %s is reserved until %s", models.ErrInvalid, listingID, current.ReservedUntil.Format(time.RFC3339))
	}

	res, err := m.store.Commit(ctx, models.ChangeSet{
		At: now,
		ListingStatus: &models.ListingStatusWrite{
			ListingID: listingID,
			Status:    models.ListingStatusActive,
			Expect:    models.ListingStatusReserved,
		},
	})
	if err != nil {
		return models.Listing{}, fmt.Errorf("failed to release listing %s: %w", listingID, err)
	}
	m.logger.Info("reservation released", "listing_id", listingID, "reserved_until", current.ReservedUntil)
	return *res.Listing, nil
}

func (m *Machine) authorize(actorID string, o models.Offer, action Action) error {
	switch action.(type) {
	case Expire:
		if actorID != SystemActor {
			return fmt.Errorf("%w: only the system expires offers", models.ErrForbidden)
		}
		return nil
	case Withdraw:
		if actorID == "" || actorID != o.BuyerID {
			return fmt.Errorf("%w: only the buyer can withdraw offer %s", models.ErrForbidden, o.ID)
		}
		return nil
	}
	if !o.HasParty(actorID) {
		return fmt.Errorf("%w: %q is not a party to offer %s", models.ErrForbidden, actorID, o.ID)
	}
	return nil
}

func (m *Machine) counter(ctx context.Context, actorID string, parent models.Offer, a Counter, now time.Time) (models.Offer, models.Message, error) {
	if a.Amount <= 0 {
		return models.Offer{}, models.Message{}, fmt.Errorf("%w: counter offer must be greater than zero", models.ErrInvalid)
	}
	listing, err := fetch.Do(ctx, m.fetch, func(ctx context.Context) (models.Listing, error) {
		return m.store.GetListing(ctx, parent.ListingID)
	})
	if err != nil {
		return models.Offer{}, models.Message{}, err
	}
	if a.Amount >= listing.Price {
		return models.Offer{}, models.Message{}, fmt.Errorf("%w: counter offer must be below the listing price of %s",
			models.ErrInvalid, models.FormatAmount(listing.Price, listing.Currency))
	}

	child := models.Offer{
		ID:             m.newID(),
		ListingID:      parent.ListingID,
		ConversationID: parent.ConversationID,
		MessageID:      m.newID(),
		BuyerID:        actorID,
		SellerID:       parent.Counterparty(actorID),
		Amount:         a.Amount,
		Currency:       parent.Currency,
		Message:        strings.TrimSpace(a.Message),
		ParentOfferID:  parent.ID,
		Status:         models.OfferStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.expiry),
	}
	return child, offerMessage(child, "Counter Offer", now), nil
}

func offerMessage(o models.Offer, label string, at time.Time) models.Message {
	content := fmt.Sprintf("%s: %s", label, models.FormatAmount(o.Amount, o.Currency))
	if o.Message != "" {
		content += fmt.Sprintf("\n\n%q", o.Message)
	}
	return models.Message{
		ID:             o.MessageID,
		ConversationID: o.ConversationID,
		SenderID:       o.BuyerID,
		Content:        content,
		Kind:           models.MessageKindOffer,
		CreatedAt:      at,
		OfferID:        o.ID,
	}
}

func (m *Machine) notify(ctx context.Context, recipientID string, event Event, o models.Offer) {
	if m.notifier == nil || recipientID == "" {
		return
	}
	if err := m.notifier.NotifyOffer(ctx, recipientID, event, o); err != nil {
		m.logger.Warn("offer notification failed", "offer_id", o.ID, "recipient", recipientID, "event", event, "error", err)
	}
}
