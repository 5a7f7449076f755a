// Package enrich hydrates the minimal rows carried by change notifications
// into the joined records the client displays.
package enrich

import (
	"context"
	"log/slog"
	"time"

	"marketsync/internal/content"
	"marketsync/internal/feed"
	"marketsync/internal/fetch"
	"marketsync/internal/models"

	"github.com/c-pro/geche"
)

const DefaultProfileTTL = 10 * time.Minute

type Reader interface {
	GetMessage(ctx context.Context, id string) (models.Message, error)
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	GetListing(ctx context.Context, id string) (models.Listing, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
}

type Config struct {
	Fetch      fetch.Policy
	ProfileTTL time.Duration
	Logger     *slog.Logger
}

// Enricher never fails. When the primary read fails the minimal row is
// returned unchanged; when only a join fails the row is returned without it.
// It does not write anywhere.
type Enricher struct {
	reader   Reader
	fetch    fetch.Policy
	profiles geche.Geche[string, models.Profile]
	logger   *slog.Logger
}

// New creates an Enricher. The profile cache is cleaned up until ctx is done.
func New(ctx context.Context, reader Reader, cfg Config) *Enricher {
	if cfg.Fetch == (fetch.Policy{}) {
		cfg.Fetch = fetch.DefaultPolicy()
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = DefaultProfileTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Enricher{
		reader:   reader,
		fetch:    cfg.Fetch,
		profiles: geche.NewMapTTLCache[string, models.Profile](ctx, cfg.ProfileTTL, time.Minute),
		logger:   cfg.Logger,
	}
}

func (e *Enricher) Message(ctx context.Context, op feed.Op, minimal models.Message) models.Message {
	if op == feed.OpDelete || minimal.ID == "" {
		return minimal
	}

	full, err := fetch.Do(ctx, e.fetch, func(ctx context.Context) (models.Message, error) {
		return e.reader.GetMessage(ctx, minimal.ID)
	})
	if err != nil {
		e.logger.Warn("message enrichment failed, using raw row", "message_id", minimal.ID, "op", op, "error", err)
		return minimal
	}
	return e.JoinMessage(ctx, full)
}

// JoinMessage adds the sender, the attached offer and the rendered content
// to a row that was already read in full.
func (e *Enricher) JoinMessage(ctx context.Context, full models.Message) models.Message {
	if p, ok := e.profile(ctx, full.SenderID); ok {
		full.Sender = &p
	}

	if full.Kind == models.MessageKindOffer && full.OfferID != "" {
		o, err := fetch.Do(ctx, e.fetch, func(ctx context.Context) (models.Offer, error) {
			return e.reader.GetOffer(ctx, full.OfferID)
		})
		if err != nil {
			e.logger.Warn("offer join failed", "message_id", full.ID, "offer_id", full.OfferID, "error", err)
		} else {
			full.Offer = &o
		}
	}

	rendered, err := content.Render(full.Content)
	if err != nil {
		e.logger.Warn("failed to render message", "message_id", full.ID, "error", err)
	} else {
		full.ContentHTML = rendered
	}

	return full
}

func (e *Enricher) Offer(ctx context.Context, op feed.Op, minimal models.Offer) models.Offer {
	if op == feed.OpDelete || minimal.ID == "" {
		return minimal
	}

	full, err := fetch.Do(ctx, e.fetch, func(ctx context.Context) (models.Offer, error) {
		return e.reader.GetOffer(ctx, minimal.ID)
	})
	if err != nil {
		e.logger.Warn("offer enrichment failed, using raw row", "offer_id", minimal.ID, "op", op, "error", err)
		return minimal
	}
	return e.JoinOffer(ctx, full)
}

func (e *Enricher) JoinOffer(ctx context.Context, full models.Offer) models.Offer {
	if l, ok := e.listing(ctx, full.ListingID); ok {
		full.Listing = &l
	}
	return full
}

func (e *Enricher) Conversation(ctx context.Context, op feed.Op, minimal models.Conversation) models.Conversation {
	if op == feed.OpDelete || minimal.ID == "" {
		return minimal
	}

	full, err := fetch.Do(ctx, e.fetch, func(ctx context.Context) (models.Conversation, error) {
		return e.reader.GetConversation(ctx, minimal.ID)
	})
	if err != nil {
		e.logger.Warn("conversation enrichment failed, using raw row", "conversation_id", minimal.ID, "op", op, "error", err)
		return minimal
	}
	return e.JoinConversation(ctx, full)
}

func (e *Enricher) JoinConversation(ctx context.Context, full models.Conversation) models.Conversation {
	if l, ok := e.listing(ctx, full.ListingID); ok {
		full.Listing = &l
	}
	return full
}

func (e *Enricher) profile(ctx context.Context, userID string) (models.Profile, bool) {
	if userID == "" {
		return models.Profile{}, false
	}
	if p, err := e.profiles.Get(userID); err == nil {
		return p, true
	}

	p, err := fetch.Do(ctx, e.fetch, func(ctx context.Context) (models.Profile, error) {
		return e.reader.GetProfile(ctx, userID)
	})
	if err != nil {
		e.logger.Warn("profile join failed", "user_id", userID, "error", err)
		return models.Profile{}, false
	}
	p.DisplayName = content.Sanitize(p.DisplayName)
	e.profiles.Set(userID, p)
	return p, true
}

func (e *Enricher) listing(ctx context.Context, listingID string) (models.Listing, bool) {
	if listingID == "" {
		return models.Listing{}, false
	}
	l, err := fetch.Do(ctx, e.fetch, func(ctx context.Context) (models.Listing, error) {
		return e.reader.GetListing(ctx, listingID)
	})
	if err != nil {
		e.logger.Warn("listing join failed", "listing_id", listingID, "error", err)
		return models.Listing{}, false
	}
	l.Title = content.Sanitize(l.Title)
	return l, true
}
