package models

import (
	"fmt"
	"time"
)

type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusRejected  OfferStatus = "rejected"
	OfferStatusCountered OfferStatus = "countered"
	OfferStatusWithdrawn OfferStatus = "withdrawn"
	OfferStatusExpired   OfferStatus = "expired"
)

// CanTransition reports whether moving from s to next is allowed. Only a
// pending offer can change, and nothing moves back into pending.
func (s OfferStatus) CanTransition(next OfferStatus) bool {
	if s != OfferStatusPending {
		return false
	}
	switch next {
	case OfferStatusAccepted, OfferStatusRejected, OfferStatusCountered,
		OfferStatusWithdrawn, OfferStatusExpired:
		return true
	}
	return false
}

// Offer is a price proposal on a listing. Amount is in minor currency units.
type Offer struct {
	ID              string      `json:"id" msgpack:"id"`
	ListingID       string      `json:"listingId" msgpack:"listing_id"`
	ConversationID  string      `json:"conversationId" msgpack:"conversation_id"`
	MessageID       string      `json:"messageId" msgpack:"message_id"`
	BuyerID         string      `json:"buyerId" msgpack:"buyer_id"`
	SellerID        string      `json:"sellerId" msgpack:"seller_id"`
	Amount          int64       `json:"amount" msgpack:"amount"`
	Currency        string      `json:"currency" msgpack:"currency"`
	Message         string      `json:"message,omitempty" msgpack:"message,omitempty"`
	ParentOfferID   string      `json:"parentOfferId,omitempty" msgpack:"parent_offer_id,omitempty"`
	ResponseMessage string      `json:"responseMessage,omitempty" msgpack:"response_message,omitempty"`
	Status          OfferStatus `json:"status" msgpack:"status"`
	CreatedAt       time.Time   `json:"createdAt" msgpack:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" msgpack:"updated_at"`
	ExpiresAt       time.Time   `json:"expiresAt" msgpack:"expires_at"`

	// Joined for display.
	Listing *Listing `json:"listing,omitempty" msgpack:"-"`
}

func (o Offer) HasParty(userID string) bool {
	return userID != "" && (o.BuyerID == userID || o.SellerID == userID)
}

// Counterparty returns the other side of the negotiation.
func (o Offer) Counterparty(userID string) string {
	if o.BuyerID == userID {
		return o.SellerID
	}
	return o.BuyerID
}

func (o Offer) RecordID() string       { return o.ID }
func (o Offer) CorrelationKey() string { return "" }
func (o Offer) CreatedTime() time.Time { return o.CreatedAt }

// OfferWrite stores Offer only if the current row still has status Expect.
// An empty Expect means the offer must not exist yet.
type OfferWrite struct {
	Offer  Offer
	Expect OfferStatus
}

// RivalRejection rejects every other pending offer on a listing.
type RivalRejection struct {
	ListingID   string
	KeepOfferID string
	Reason      string
}

// ListingStatusWrite sets a listing's status. A non-empty Expect makes it
// conditional on the current status, like OfferWrite.
type ListingStatusWrite struct {
	ListingID     string
	Status        ListingStatus
	ReservedUntil time.Time
	Expect        ListingStatus
}

// ChangeSet is a group of writes that commit together or not at all.
type ChangeSet struct {
	Offers        []OfferWrite
	Messages      []Message
	RejectRivals  *RivalRejection
	ListingStatus *ListingStatusWrite
	At            time.Time
}

// CommitResult lists what a ChangeSet actually wrote.
type CommitResult struct {
	Offers   []Offer
	Rejected []Offer
	Messages []Message
	Listing  *Listing
}

// FormatAmount renders minor units as e.g. "GHS 60.00".
func FormatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s %s%d.%02d", currency, sign, amount/100, amount%100)
}
