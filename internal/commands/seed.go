package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketsync/internal/models"
	"marketsync/internal/stubs"
)

type SeedStore interface {
	UpsertProfile(ctx context.Context, p models.Profile) error
	GetListing(ctx context.Context, id string) (models.Listing, error)
	UpsertListing(ctx context.Context, l models.Listing) error
	FindOrCreateConversation(ctx context.Context, a, b, listingID string) (models.Conversation, bool, error)
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
}

// Seed loads the demo profiles, listings and conversations. Running it again
// changes nothing: listings keep their status and opening messages are
// deduplicated by client id.
func Seed(ctx context.Context, store SeedStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range stubs.Profiles {
		if err := store.UpsertProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to seed profile %s: %w", p.ID, err)
		}
	}

	listings := make(map[string]models.Listing, len(stubs.Listings))
	for _, l := range stubs.Listings {
		listings[l.ID] = l
		_, err := store.GetListing(ctx, l.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if err := store.UpsertListing(ctx, l); err != nil {
			return fmt.Errorf("failed to seed listing %s: %w", l.ID, err)
		}
	}

	for _, c := range stubs.Conversations {
		listing, ok := listings[c.ListingID]
		if !ok {
			return fmt.Errorf("%w: seeded conversation refers to unknown listing %s", models.ErrInvalid, c.ListingID)
		}
		conv, created, err := store.FindOrCreateConversation(ctx, c.BuyerID, listing.SellerID, listing.ID)
		if err != nil {
			return fmt.Errorf("failed to seed conversation: %w", err)
		}
		if _, err := store.InsertMessage(ctx, models.Message{
			ConversationID: conv.ID,
			SenderID:       c.BuyerID,
			Content:        c.Opening,
			CorrelationID:  "seed-" + conv.ID,
		}); err != nil {
			return fmt.Errorf("failed to seed message: %w", err)
		}
		if created {
			logger.Info("seeded conversation", "conversation_id", conv.ID, "buyer", c.BuyerID, "listing", listing.ID)
		}
	}
	return nil
}
