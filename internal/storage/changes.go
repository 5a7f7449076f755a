package storage

import (
	"marketsync/internal/feed"
	"marketsync/internal/models"
)

// changeLog collects the changes of one write transaction. They are only
// published after the transaction commits.
type changeLog struct {
	changes []feed.Change
}

func (l *changeLog) add(table string, op feed.Op, row any, columns map[string]string) error {
	c, err := feed.NewChange(table, op, row, columns)
	if err != nil {
		return err
	}
	l.changes = append(l.changes, c)
	return nil
}

func (l *changeLog) profile(op feed.Op, p models.Profile) error {
	return l.add(models.TableProfiles, op, p, map[string]string{
		"id": p.ID,
	})
}

func (l *changeLog) listing(op feed.Op, li models.Listing) error {
	return l.add(models.TableListings, op, li, map[string]string{
		"id":        li.ID,
		"seller_id": li.SellerID,
		"status":    string(li.Status),
	})
}

func (l *changeLog) conversation(op feed.Op, c models.Conversation) error {
	return l.add(models.TableConversations, op, c, map[string]string{
		"id":            c.ID,
		"participant_a": c.ParticipantA,
		"participant_b": c.ParticipantB,
		"listing_id":    c.ListingID,
	})
}

func (l *changeLog) message(op feed.Op, m models.Message) error {
	return l.add(models.TableMessages, op, m, map[string]string{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
	})
}

func (l *changeLog) offer(op feed.Op, o models.Offer) error {
	return l.add(models.TableOffers, op, o, map[string]string{
		"id":              o.ID,
		"listing_id":      o.ListingID,
		"conversation_id": o.ConversationID,
		"buyer_id":        o.BuyerID,
		"seller_id":       o.SellerID,
		"status":          string(o.Status),
	})
}
