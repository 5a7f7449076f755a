package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"marketsync/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	UserID    string `msgpack:"userId"`
	Token     string `msgpack:"token"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBProfile struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

func (p *DBProfile) Key() []byte {
	return []byte(p.ID)
}

func (p *DBProfile) MarshalBinary() (data []byte, err error) {
	type alias DBProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *DBProfile) UnmarshalBinary(data []byte) error {
	type alias DBProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBProfile) model() models.Profile {
	return models.Profile{ID: p.ID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL}
}

type DBListing struct {
	ID        string `msgpack:"id"`
	SellerID  string `msgpack:"sellerId"`
	Title     string `msgpack:"title"`
	Price     int64  `msgpack:"price"`
	Currency  string `msgpack:"currency"`
	Status    string `msgpack:"status"`
	UpdatedAt int64  `msgpack:"updatedAt"`

	ReservedUntil int64 `msgpack:"reservedUntil,omitempty"`
}

func (l *DBListing) Key() []byte {
	return []byte(l.ID)
}

func (l *DBListing) MarshalBinary() (data []byte, err error) {
	type alias DBListing
	return msgpack.Marshal((*alias)(l))
}

func (l *DBListing) UnmarshalBinary(data []byte) error {
	type alias DBListing
	return msgpack.Unmarshal(data, (*alias)(l))
}

func newDBListing(l models.Listing) *DBListing {
	return &DBListing{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Title:     l.Title,
		Price:     l.Price,
		Currency:  l.Currency,
		Status:    string(l.Status),
		UpdatedAt: unixNano(l.UpdatedAt),

		ReservedUntil: unixNano(l.ReservedUntil),
	}
}

func (l *DBListing) model() models.Listing {
	return models.Listing{
		ID:        l.ID,
		SellerID:  l.SellerID,
		Title:     l.Title,
		Price:     l.Price,
		Currency:  l.Currency,
		Status:    models.ListingStatus(l.Status),
		UpdatedAt: fromUnixNano(l.UpdatedAt),

		ReservedUntil: fromUnixNano(l.ReservedUntil),
	}
}

type DBConversation struct {
	ID            string `msgpack:"id"`
	ParticipantA  string `msgpack:"participantA"`
	ParticipantB  string `msgpack:"participantB"`
	ListingID     string `msgpack:"listingId"`
	CreatedAt     int64  `msgpack:"createdAt"`
	LastMessageAt int64  `msgpack:"lastMessageAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func (c *DBConversation) model() models.Conversation {
	return models.Conversation{
		ID:            c.ID,
		ParticipantA:  c.ParticipantA,
		ParticipantB:  c.ParticipantB,
		ListingID:     c.ListingID,
		CreatedAt:     fromUnixNano(c.CreatedAt),
		LastMessageAt: fromUnixNano(c.LastMessageAt),
	}
}

type DBMessage struct {
	ID             string         `msgpack:"id"`
	ClientID       string         `msgpack:"clientId"`
	ConversationID string         `msgpack:"conversationId"`
	SenderID       string         `msgpack:"senderId"`
	Content        string         `msgpack:"content"`
	Kind           string         `msgpack:"kind"`
	CreatedAt      int64          `msgpack:"createdAt"`
	DeliveredAt    int64          `msgpack:"deliveredAt"`
	ReadAt         int64          `msgpack:"readAt"`
	OfferID        string         `msgpack:"offerId"`
	Attachments    []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

// Key orders messages inside a conversation bucket by creation time, with
// the id as tie-breaker.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) *DBMessage {
	dbMessage := &DBMessage{
		ID:             m.ID,
		ClientID:       m.CorrelationID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           string(m.Kind),
		CreatedAt:      unixNano(m.CreatedAt),
		OfferID:        m.OfferID,
	}
	if m.DeliveredAt != nil {
		dbMessage.DeliveredAt = unixNano(*m.DeliveredAt)
	}
	if m.ReadAt != nil {
		dbMessage.ReadAt = unixNano(*m.ReadAt)
	}
	if len(m.Attachments) > 0 {
		dbMessage.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMessage.Attachments[i] = DBAttachment{
				Type:     string(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return dbMessage
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:             m.ID,
		CorrelationID:  m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           models.MessageKind(m.Kind),
		CreatedAt:      fromUnixNano(m.CreatedAt),
		OfferID:        m.OfferID,
	}
	if m.DeliveredAt != 0 {
		t := fromUnixNano(m.DeliveredAt)
		msg.DeliveredAt = &t
	}
	if m.ReadAt != 0 {
		t := fromUnixNano(m.ReadAt)
		msg.ReadAt = &t
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			}
		}
	}
	return msg
}

// DBMessageRef locates a message by id.
type DBMessageRef struct {
	ConversationID string `msgpack:"conversationId"`
	Key            []byte `msgpack:"key"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBOffer struct {
	ID             string `msgpack:"id"`
	ListingID      string `msgpack:"listingId"`
	ConversationID string `msgpack:"conversationId"`
	MessageID      string `msgpack:"messageId"`
	BuyerID        string `msgpack:"buyerId"`
	SellerID       string `msgpack:"sellerId"`
	Amount         int64  `msgpack:"amount"`
	Currency       string `msgpack:"currency"`
	Message        string `msgpack:"message"`
	ParentOfferID  string `msgpack:"parentOfferId"`
	Response       string `msgpack:"response"`
	Status         string `msgpack:"status"`
	CreatedAt      int64  `msgpack:"createdAt"`
	UpdatedAt      int64  `msgpack:"updatedAt"`
	ExpiresAt      int64  `msgpack:"expiresAt"`
}

func (o *DBOffer) Key() []byte {
	return []byte(o.ID)
}

func (o *DBOffer) MarshalBinary() (data []byte, err error) {
	type alias DBOffer
	return msgpack.Marshal((*alias)(o))
}

func (o *DBOffer) UnmarshalBinary(data []byte) error {
	type alias DBOffer
	return msgpack.Unmarshal(data, (*alias)(o))
}

func newDBOffer(o models.Offer) *DBOffer {
	return &DBOffer{
		ID:             o.ID,
		ListingID:      o.ListingID,
		ConversationID: o.ConversationID,
		MessageID:      o.MessageID,
		BuyerID:        o.BuyerID,
		SellerID:       o.SellerID,
		Amount:         o.Amount,
		Currency:       o.Currency,
		Message:        o.Message,
		ParentOfferID:  o.ParentOfferID,
		Response:       o.ResponseMessage,
		Status:         string(o.Status),
		CreatedAt:      unixNano(o.CreatedAt),
		UpdatedAt:      unixNano(o.UpdatedAt),
		ExpiresAt:      unixNano(o.ExpiresAt),
	}
}

func (o *DBOffer) model() models.Offer {
	return models.Offer{
		ID:              o.ID,
		ListingID:       o.ListingID,
		ConversationID:  o.ConversationID,
		MessageID:       o.MessageID,
		BuyerID:         o.BuyerID,
		SellerID:        o.SellerID,
		Amount:          o.Amount,
		Currency:        o.Currency,
		Message:         o.Message,
		ParentOfferID:   o.ParentOfferID,
		ResponseMessage: o.Response,
		Status:          models.OfferStatus(o.Status),
		CreatedAt:       fromUnixNano(o.CreatedAt),
		UpdatedAt:       fromUnixNano(o.UpdatedAt),
		ExpiresAt:       fromUnixNano(o.ExpiresAt),
	}
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
