package storage

import (
	"context"
	"encoding"
	"fmt"
	"slices"
	"strings"
	"time"

	"marketsync/internal/feed"
	"marketsync/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketProfiles      = []byte("profiles")
	bucketListings      = []byte("listings")
	bucketConversations = []byte("conversations")
	bucketPairs         = []byte("conversation_pairs")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketClientIDs     = []byte("message_client_ids")
	bucketOffers        = []byte("offers")
	bucketTokens        = []byte("tokens_v2")
	bucketPush          = []byte("push_subscriptions")
)

var allBuckets = [][]byte{
	bucketProfiles,
	bucketListings,
	bucketConversations,
	bucketPairs,
	bucketMessages,
	bucketMessageIndex,
	bucketClientIDs,
	bucketOffers,
	bucketTokens,
	bucketPush,
}

// Publisher receives every change after its transaction commits.
type Publisher interface {
	Publish(c feed.Change)
}

type BboltStorage struct {
	db  *bbolt.DB
	pub Publisher
	now func() time.Time
}

// NewBboltStorage opens the record store. pub may be nil when nobody
// listens for changes.
func NewBboltStorage(path string, pub Publisher) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, pub: pub, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// update runs fn in a write transaction and publishes the logged changes
// once the transaction has committed.
func (s *BboltStorage) update(ctx context.Context, fn func(tx *bbolt.Tx, log *changeLog) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := &changeLog{}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx, log)
	}); err != nil {
		return err
	}
	if s.pub != nil {
		for _, c := range log.changes {
			s.pub.Publish(c)
		}
	}
	return nil
}

func getRecord(b *bbolt.Bucket, key []byte, v encoding.BinaryUnmarshaler) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return v.UnmarshalBinary(data)
}

func putRecord(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// UpsertProfile stores a profile.
func (s *BboltStorage) UpsertProfile(ctx context.Context, p models.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile id is required", models.ErrInvalid)
	}
	return s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		if err := putRecord(tx.Bucket(bucketProfiles), &DBProfile{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
		}); err != nil {
			return fmt.Errorf("failed to put profile: %w", err)
		}
		return log.profile(feed.OpUpdate, p)
	})
}

func (s *BboltStorage) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var dbProfile DBProfile
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getRecord(tx.Bucket(bucketProfiles), []byte(id), &dbProfile)
	})
	if err != nil {
		return models.Profile{}, fmt.Errorf("profile %s: %w", id, err)
	}
	return dbProfile.model(), nil
}

// UpsertListing stores a listing.
func (s *BboltStorage) UpsertListing(ctx context.Context, l models.Listing) error {
	if l.ID == "" || l.SellerID == "" {
		return fmt.Errorf("%w: listing needs id and seller", models.ErrInvalid)
	}
	if l.Status == "" {
		l.Status = models.ListingStatusActive
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = s.now()
	}
	return s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		if err := putRecord(tx.Bucket(bucketListings), newDBListing(l)); err != nil {
			return fmt.Errorf("failed to put listing: %w", err)
		}
		return log.listing(feed.OpUpdate, l)
	})
}

func (s *BboltStorage) GetListing(ctx context.Context, id string) (models.Listing, error) {
	var dbListing DBListing
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getRecord(tx.Bucket(bucketListings), []byte(id), &dbListing)
	})
	if err != nil {
		return models.Listing{}, fmt.Errorf("listing %s: %w", id, err)
	}
	return dbListing.model(), nil
}

// ListExpiredReservations returns reserved listings whose hold is not after
// now.
func (s *BboltStorage) ListExpiredReservations(ctx context.Context, now time.Time) ([]models.Listing, error) {
	cutoff := now.UnixNano()
	var listings []models.Listing
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketListings).ForEach(func(k, v []byte) error {
			var dbListing DBListing
			if err := dbListing.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbListing.Status == string(models.ListingStatusReserved) && dbListing.ReservedUntil != 0 && dbListing.ReservedUntil <= cutoff {
				listings = append(listings, dbListing.model())
			}
			return nil
		})
	})
	return listings, err
}

// FindOrCreateConversation returns the conversation between a and b about
// listingID, creating it if the pair has none yet. The boolean reports
// whether a new row was written.
func (s *BboltStorage) FindOrCreateConversation(ctx context.Context, a, b, listingID string) (models.Conversation, bool, error) {
	pair, err := models.PairKey(a, b, listingID)
	if err != nil {
		return models.Conversation{}, false, err
	}

	var (
		conv    models.Conversation
		created bool
	)
	err = s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		pairs := tx.Bucket(bucketPairs)
		conversations := tx.Bucket(bucketConversations)

		if id := pairs.Get([]byte(pair)); id != nil {
			var dbConv DBConversation
			if err := getRecord(conversations, id, &dbConv); err != nil {
				return fmt.Errorf("conversation index is stale for %s: %w", pair, err)
			}
			conv = dbConv.model()
			return nil
		}

		if listingID != "" && tx.Bucket(bucketListings).Get([]byte(listingID)) == nil {
			return fmt.Errorf("listing %s: %w", listingID, models.ErrNotFound)
		}

		now := s.now()
		dbConv := &DBConversation{
			ID:            uuid.NewString(),
			ParticipantA:  a,
			ParticipantB:  b,
			ListingID:     listingID,
			CreatedAt:     unixNano(now),
			LastMessageAt: unixNano(now),
		}
		if err := putRecord(conversations, dbConv); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}
		if err := pairs.Put([]byte(pair), dbConv.Key()); err != nil {
			return fmt.Errorf("failed to index conversation: %w", err)
		}
		conv = dbConv.model()
		created = true
		return log.conversation(feed.OpInsert, conv)
	})
	return conv, created, err
}

func (s *BboltStorage) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var dbConv DBConversation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getRecord(tx.Bucket(bucketConversations), []byte(id), &dbConv)
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, err)
	}
	return dbConv.model(), nil
}

// ListConversations returns the user's conversations, most recently active
// first.
func (s *BboltStorage) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if conv := dbConv.model(); conv.HasParticipant(userID) {
				conversations = append(conversations, conv)
			}
			return nil
		})
	})
	slices.SortFunc(conversations, func(a, b models.Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return conversations, err
}

// InsertMessage stores a new message and bumps the conversation activity
// time. A retried insert with the same client id returns the stored row.
func (s *BboltStorage) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var stored models.Message
	err := s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		var err error
		stored, err = s.insertMessageTx(tx, log, m)
		return err
	})
	return stored, err
}

func (s *BboltStorage) insertMessageTx(tx *bbolt.Tx, log *changeLog, m models.Message) (models.Message, error) {
	if m.Kind == "" {
		m.Kind = models.MessageKindText
	}
	if !m.Kind.Valid() {
		return models.Message{}, fmt.Errorf("%w: unknown message kind %q", models.ErrInvalid, m.Kind)
	}
	if m.Kind == models.MessageKindOffer && m.OfferID == "" {
		return models.Message{}, fmt.Errorf("%w: offer message without offer", models.ErrInvalid)
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return models.Message{}, fmt.Errorf("%w: empty message", models.ErrInvalid)
	}

	conversations := tx.Bucket(bucketConversations)
	var dbConv DBConversation
	if err := getRecord(conversations, []byte(m.ConversationID), &dbConv); err != nil {
		return models.Message{}, fmt.Errorf("conversation %s: %w", m.ConversationID, err)
	}
	if !dbConv.model().HasParticipant(m.SenderID) {
		return models.Message{}, fmt.Errorf("%w: %s is not in conversation %s", models.ErrForbidden, m.SenderID, m.ConversationID)
	}

	clientIDs := tx.Bucket(bucketClientIDs)
	var clientKey []byte
	if m.CorrelationID != "" {
		clientKey = []byte(m.ConversationID + "/" + m.CorrelationID)
		if id := clientIDs.Get(clientKey); id != nil {
			return getMessageTx(tx, string(id))
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Pending = false

	chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.ConversationID))
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to create conversation bucket: %w", err)
	}
	dbMessage := newDBMessage(m)
	if err := putRecord(chatBucket, dbMessage); err != nil {
		return models.Message{}, fmt.Errorf("failed to put message: %w", err)
	}

	ref := DBMessageRef{ConversationID: m.ConversationID, Key: dbMessage.Key()}
	data, err := ref.MarshalBinary()
	if err != nil {
		return models.Message{}, err
	}
	if err := tx.Bucket(bucketMessageIndex).Put([]byte(m.ID), data); err != nil {
		return models.Message{}, fmt.Errorf("failed to index message: %w", err)
	}
	if clientKey != nil {
		if err := clientIDs.Put(clientKey, []byte(m.ID)); err != nil {
			return models.Message{}, fmt.Errorf("failed to index client id: %w", err)
		}
	}

	stored := dbMessage.model()
	if err := log.message(feed.OpInsert, stored); err != nil {
		return models.Message{}, err
	}

	if dbMessage.CreatedAt > dbConv.LastMessageAt {
		dbConv.LastMessageAt = dbMessage.CreatedAt
		if err := putRecord(conversations, &dbConv); err != nil {
			return models.Message{}, err
		}
		if err := log.conversation(feed.OpUpdate, dbConv.model()); err != nil {
			return models.Message{}, err
		}
	}

	return stored, nil
}

func lookupMessageTx(tx *bbolt.Tx, id string) (*bbolt.Bucket, DBMessageRef, error) {
	var ref DBMessageRef
	if err := getRecord(tx.Bucket(bucketMessageIndex), []byte(id), &ref); err != nil {
		return nil, ref, fmt.Errorf("message %s: %w", id, err)
	}
	chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if chatBucket == nil {
		return nil, ref, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return chatBucket, ref, nil
}

func getMessageTx(tx *bbolt.Tx, id string) (models.Message, error) {
	chatBucket, ref, err := lookupMessageTx(tx, id)
	if err != nil {
		return models.Message{}, err
	}
	var dbMessage DBMessage
	if err := getRecord(chatBucket, ref.Key, &dbMessage); err != nil {
		return models.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return dbMessage.model(), nil
}

func (s *BboltStorage) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessageTx(tx, id)
		return err
	})
	return msg, err
}

// ListMessages returns a conversation's messages in creation order.
func (s *BboltStorage) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // No messages for this conversation
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.model())
			return nil
		})
	})
	return messages, err
}

// DeleteMessage removes a message. Clients see a DELETE change.
func (s *BboltStorage) DeleteMessage(ctx context.Context, id string) error {
	return s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		chatBucket, ref, err := lookupMessageTx(tx, id)
		if err != nil {
			return err
		}
		var dbMessage DBMessage
		if err := getRecord(chatBucket, ref.Key, &dbMessage); err != nil {
			return fmt.Errorf("message %s: %w", id, err)
		}
		if err := chatBucket.Delete(ref.Key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIndex).Delete([]byte(id)); err != nil {
			return err
		}
		if dbMessage.ClientID != "" {
			if err := tx.Bucket(bucketClientIDs).Delete([]byte(dbMessage.ConversationID + "/" + dbMessage.ClientID)); err != nil {
				return err
			}
		}
		return log.message(feed.OpDelete, dbMessage.model())
	})
}

// MarkDelivered stamps delivered_at on messages addressed to recipientID.
// It returns the number of rows changed.
func (s *BboltStorage) MarkDelivered(ctx context.Context, conversationID, recipientID string, at time.Time) (int, error) {
	return s.stampReceipts(ctx, conversationID, recipientID, func(m *DBMessage) bool {
		if m.DeliveredAt != 0 {
			return false
		}
		m.DeliveredAt = unixNano(at)
		return true
	})
}

// MarkConversationRead stamps read_at (and delivered_at if missing) on
// every message readerID has not read yet.
func (s *BboltStorage) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	return s.stampReceipts(ctx, conversationID, readerID, func(m *DBMessage) bool {
		if m.ReadAt != 0 {
			return false
		}
		m.ReadAt = unixNano(at)
		if m.DeliveredAt == 0 {
			m.DeliveredAt = m.ReadAt
		}
		return true
	})
}

func (s *BboltStorage) stampReceipts(ctx context.Context, conversationID, userID string, stamp func(m *DBMessage) bool) (int, error) {
	var changed int
	err := s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		var dbConv DBConversation
		if err := getRecord(tx.Bucket(bucketConversations), []byte(conversationID), &dbConv); err != nil {
			return fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		if !dbConv.model().HasParticipant(userID) {
			return fmt.Errorf("%w: %s is not in conversation %s", models.ErrForbidden, userID, conversationID)
		}
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil
		}

		// bbolt forbids writes while iterating, so collect first.
		var updates []*DBMessage
		err := chatBucket.ForEach(func(k, v []byte) error {
			dbMessage := &DBMessage{}
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMessage.SenderID != userID && stamp(dbMessage) {
				updates = append(updates, dbMessage)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, dbMessage := range updates {
			if err := putRecord(chatBucket, dbMessage); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
			if err := log.message(feed.OpUpdate, dbMessage.model()); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}

// UnreadCounts returns, for each of the user's conversations, the number of
// messages from the other participant that have no read receipt.
// Conversations with nothing unread are reported as zero.
func (s *BboltStorage) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if !dbConv.model().HasParticipant(userID) {
				return nil
			}
			counts[dbConv.ID] = 0
			chatBucket := messages.Bucket(k)
			if chatBucket == nil {
				return nil
			}
			return chatBucket.ForEach(func(_, mv []byte) error {
				var dbMessage DBMessage
				if err := dbMessage.UnmarshalBinary(mv); err != nil {
					return err
				}
				if dbMessage.SenderID != userID && dbMessage.ReadAt == 0 {
					counts[dbConv.ID]++
				}
				return nil
			})
		})
	})
	return counts, err
}

func (s *BboltStorage) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	var dbOffer DBOffer
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return getRecord(tx.Bucket(bucketOffers), []byte(id), &dbOffer)
	})
	if err != nil {
		return models.Offer{}, fmt.Errorf("offer %s: %w", id, err)
	}
	return dbOffer.model(), nil
}

func (s *BboltStorage) listOffers(ctx context.Context, match func(o *DBOffer) bool) ([]models.Offer, error) {
	var offers []models.Offer
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOffers).ForEach(func(k, v []byte) error {
			var dbOffer DBOffer
			if err := dbOffer.UnmarshalBinary(v); err != nil {
				return err
			}
			if match(&dbOffer) {
				offers = append(offers, dbOffer.model())
			}
			return nil
		})
	})
	slices.SortStableFunc(offers, func(a, b models.Offer) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return offers, err
}

// ListOffers returns the offers negotiated in a conversation, oldest first.
func (s *BboltStorage) ListOffers(ctx context.Context, conversationID string) ([]models.Offer, error) {
	return s.listOffers(ctx, func(o *DBOffer) bool {
		return o.ConversationID == conversationID
	})
}

func (s *BboltStorage) ListOffersByListing(ctx context.Context, listingID string) ([]models.Offer, error) {
	return s.listOffers(ctx, func(o *DBOffer) bool {
		return o.ListingID == listingID
	})
}

// ListExpiredOffers returns pending offers whose expiry is not after now.
func (s *BboltStorage) ListExpiredOffers(ctx context.Context, now time.Time) ([]models.Offer, error) {
	cutoff := now.UnixNano()
	return s.listOffers(ctx, func(o *DBOffer) bool {
		return o.Status == string(models.OfferStatusPending) && o.ExpiresAt != 0 && o.ExpiresAt <= cutoff
	})
}

// Commit applies a ChangeSet in a single transaction. Every offer write is
// checked against its expected status; any mismatch aborts the whole set
// with models.ErrConflict and nothing is written.
func (s *BboltStorage) Commit(ctx context.Context, cs models.ChangeSet) (models.CommitResult, error) {
	var result models.CommitResult
	at := cs.At
	if at.IsZero() {
		at = s.now()
	}

	err := s.update(ctx, func(tx *bbolt.Tx, log *changeLog) error {
		result = models.CommitResult{}
		offers := tx.Bucket(bucketOffers)

		for _, w := range cs.Offers {
			if w.Offer.ID == "" {
				return fmt.Errorf("%w: offer id is required", models.ErrInvalid)
			}
			op := feed.OpUpdate
			current := offers.Get([]byte(w.Offer.ID))
			switch {
			case w.Expect == "" && current != nil:
				return fmt.Errorf("%w: offer %s already exists", models.ErrConflict, w.Offer.ID)
			case w.Expect == "":
				op = feed.OpInsert
			case current == nil:
				return fmt.Errorf("offer %s: %w", w.Offer.ID, models.ErrNotFound)
			default:
				var dbOffer DBOffer
				if err := dbOffer.UnmarshalBinary(current); err != nil {
					return fmt.Errorf("failed to unmarshal offer: %w", err)
				}
				if dbOffer.Status != string(w.Expect) {
					return fmt.Errorf("%w: offer %s is %s, expected %s", models.ErrConflict, w.Offer.ID, dbOffer.Status, w.Expect)
				}
			}

			if err := putRecord(offers, newDBOffer(w.Offer)); err != nil {
				return fmt.Errorf("failed to put offer: %w", err)
			}
			result.Offers = append(result.Offers, w.Offer)
			if err := log.offer(op, w.Offer); err != nil {
				return err
			}
		}

		for _, m := range cs.Messages {
			stored, err := s.insertMessageTx(tx, log, m)
			if err != nil {
				return err
			}
			result.Messages = append(result.Messages, stored)
		}

		if rr := cs.RejectRivals; rr != nil {
			rejected, err := rejectRivalsTx(tx, log, *rr, at)
			if err != nil {
				return err
			}
			result.Rejected = rejected
		}

		if ls := cs.ListingStatus; ls != nil {
			listings := tx.Bucket(bucketListings)
			var dbListing DBListing
			if err := getRecord(listings, []byte(ls.ListingID), &dbListing); err != nil {
				return fmt.Errorf("listing %s: %w", ls.ListingID, err)
			}
			if ls.Expect != "" && dbListing.Status != string(ls.Expect) {
				return fmt.Errorf("%w: listing %s is %s, expected %s", models.ErrConflict, ls.ListingID, dbListing.Status, ls.Expect)
			}
			dbListing.Status = string(ls.Status)
			dbListing.ReservedUntil = unixNano(ls.ReservedUntil)
			dbListing.UpdatedAt = unixNano(at)
			if err := putRecord(listings, &dbListing); err != nil {
				return fmt.Errorf("failed to put listing: %w", err)
			}
			listing := dbListing.model()
			result.Listing = &listing
			if err := log.listing(feed.OpUpdate, listing); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return models.CommitResult{}, err
	}
	return result, nil
}

func rejectRivalsTx(tx *bbolt.Tx, log *changeLog, rr models.RivalRejection, at time.Time) ([]models.Offer, error) {
	offers := tx.Bucket(bucketOffers)

	var rivals []*DBOffer
	err := offers.ForEach(func(k, v []byte) error {
		dbOffer := &DBOffer{}
		if err := dbOffer.UnmarshalBinary(v); err != nil {
			return err
		}
		if dbOffer.ListingID == rr.ListingID &&
			dbOffer.ID != rr.KeepOfferID &&
			dbOffer.Status == string(models.OfferStatusPending) {
			rivals = append(rivals, dbOffer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	rejected := make([]models.Offer, 0, len(rivals))
	for _, dbOffer := range rivals {
		dbOffer.Status = string(models.OfferStatusRejected)
		dbOffer.Response = rr.Reason
		dbOffer.UpdatedAt = unixNano(at)
		if err := putRecord(offers, dbOffer); err != nil {
			return nil, fmt.Errorf("failed to reject offer %s: %w", dbOffer.ID, err)
		}
		o := dbOffer.model()
		rejected = append(rejected, o)
		if err := log.offer(feed.OpUpdate, o); err != nil {
			return nil, err
		}
	}
	return rejected, nil
}

func (s *BboltStorage) UpsertToken(session models.Session) error {
	if session.TokenHash == "" || session.UserID == "" {
		return fmt.Errorf("%w: session needs a token and a user", models.ErrInvalid)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketTokens), &DBToken{
			UserID:    session.UserID,
			Token:     session.TokenHash,
			ExpiresAt: unixNano(session.ExpiresAt),
		})
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStorage) ListTokens() ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			sessions = append(sessions, models.Session{
				TokenHash: dbToken.Token,
				UserID:    dbToken.UserID,
				ExpiresAt: fromUnixNano(dbToken.ExpiresAt),
			})
			return nil
		})
	})
	return sessions, err
}

func (s *BboltStorage) UpsertPushSubscription(ctx context.Context, sub models.PushSubscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return fmt.Errorf("%w: push subscription needs user and endpoint", models.ErrInvalid)
	}
	return s.update(ctx, func(tx *bbolt.Tx, _ *changeLog) error {
		userBucket, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(sub.UserID))
		if err != nil {
			return fmt.Errorf("failed to create push bucket: %w", err)
		}
		return putRecord(userBucket, &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		})
	})
}

func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.update(ctx, func(tx *bbolt.Tx, _ *changeLog) error {
		userBucket := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}

func (s *BboltStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
			return nil
		})
	})
	return subs, err
}
