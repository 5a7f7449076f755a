package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write raced another writer, e.g. a
	// transition on an offer that already left pending. Callers should
	// refresh state instead of retrying blindly.
	ErrConflict = errors.New("conflict")

	ErrForbidden       = errors.New("forbidden")
	ErrInvalid         = errors.New("invalid")
	ErrContentRejected = errors.New("content rejected")

	// ErrTimeout is surfaced once bounded read retries are exhausted.
	ErrTimeout = errors.New("connection timeout")
)

// Record store tables.
const (
	TableProfiles      = "profiles"
	TableListings      = "listings"
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableOffers        = "offers"
)

// Profile is the public part of a user as shown next to messages.
type Profile struct {
	ID          string `json:"id" msgpack:"id"`
	DisplayName string `json:"displayName" msgpack:"display_name"`
	AvatarURL   string `json:"avatarUrl" msgpack:"avatar_url"`
}

type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusReserved ListingStatus = "reserved"
	ListingStatusSold     ListingStatus = "sold"
)

// Listing is an item for sale. Price is in minor currency units.
type Listing struct {
	ID        string        `json:"id" msgpack:"id"`
	SellerID  string        `json:"sellerId" msgpack:"seller_id"`
	Title     string        `json:"title" msgpack:"title"`
	Price     int64         `json:"price" msgpack:"price"`
	Currency  string        `json:"currency" msgpack:"currency"`
	Status    ListingStatus `json:"status" msgpack:"status"`
	UpdatedAt time.Time     `json:"updatedAt" msgpack:"updated_at"`

	// ReservedUntil is set while Status is reserved.
	ReservedUntil time.Time `json:"reservedUntil,omitzero" msgpack:"reserved_until"`
}

// Conversation is a thread between exactly two participants, optionally
// about a listing.
type Conversation struct {
	ID            string    `json:"id" msgpack:"id"`
	ParticipantA  string    `json:"participantA" msgpack:"participant_a"`
	ParticipantB  string    `json:"participantB" msgpack:"participant_b"`
	ListingID     string    `json:"listingId,omitempty" msgpack:"listing_id,omitempty"`
	CreatedAt     time.Time `json:"createdAt" msgpack:"created_at"`
	LastMessageAt time.Time `json:"lastMessageAt" msgpack:"last_message_at"`

	// Joined for display.
	Listing *Listing `json:"listing,omitempty" msgpack:"-"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c Conversation) RecordID() string       { return c.ID }
func (c Conversation) CorrelationKey() string { return "" }
func (c Conversation) CreatedTime() time.Time { return c.CreatedAt }

// PairKey identifies a conversation by its unordered participant pair and
// listing context. An empty listing is its own context.
func PairKey(a, b, listingID string) (string, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: conversation needs two participants", ErrInvalid)
	}
	if a == b {
		return "", fmt.Errorf("%w: conversation participants must differ", ErrInvalid)
	}
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("pair_%s_%s_%s", ids[0], ids[1], listingID), nil
}

// PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `json:"userId" msgpack:"user_id"`
	Endpoint string `json:"endpoint" msgpack:"endpoint"`
	P256dh   string `json:"p256dh" msgpack:"p256dh"`
	Auth     string `json:"auth" msgpack:"auth"`
}

// Session is a persisted login. Only the token hash is stored.
type Session struct {
	TokenHash string    `json:"-" msgpack:"token_hash"`
	UserID    string    `json:"userId" msgpack:"user_id"`
	ExpiresAt time.Time `json:"expiresAt" msgpack:"expires_at"`
}
