package models

import "time"

type MessageKind string

const (
	MessageKindText            MessageKind = "text"
	MessageKindImage           MessageKind = "image"
	MessageKindOffer           MessageKind = "offer"
	MessageKindSystem          MessageKind = "system"
	MessageKindCallbackRequest MessageKind = "callback_request"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindOffer, MessageKindSystem, MessageKindCallbackRequest:
		return true
	}
	return false
}

// MessageStatus is the delivery state shown next to a message.
type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type" msgpack:"type"`
	Name     string         `json:"name" msgpack:"name"`
	MimeType string         `json:"mimeType" msgpack:"mime_type"`
	FileID   string         `json:"fileId" msgpack:"file_id"`
	// Head holds the first bytes of a local upload for type sniffing. It is
	// never persisted.
	Head []byte `json:"-" msgpack:"-"`
}

// Message is a chat message. A provisional message has no ID yet and is
// identified by CorrelationID until the server confirms it.
type Message struct {
	ID             string       `json:"id,omitempty" msgpack:"id"`
	CorrelationID  string       `json:"clientId,omitempty" msgpack:"client_id,omitempty"`
	ConversationID string       `json:"conversationId" msgpack:"conversation_id"`
	SenderID       string       `json:"senderId" msgpack:"sender_id"`
	Content        string       `json:"content" msgpack:"content"`
	Kind           MessageKind  `json:"kind" msgpack:"kind"`
	CreatedAt      time.Time    `json:"createdAt" msgpack:"created_at"`
	DeliveredAt    *time.Time   `json:"deliveredAt,omitempty" msgpack:"delivered_at,omitempty"`
	ReadAt         *time.Time   `json:"readAt,omitempty" msgpack:"read_at,omitempty"`
	OfferID        string       `json:"offerId,omitempty" msgpack:"offer_id,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty" msgpack:"attachments,omitempty"`

	// Pending marks a provisional local copy.
	Pending bool `json:"pending,omitempty" msgpack:"-"`

	// Joined for display.
	Sender      *Profile `json:"sender,omitempty" msgpack:"-"`
	Offer       *Offer   `json:"offer,omitempty" msgpack:"-"`
	ContentHTML string   `json:"contentHtml,omitempty" msgpack:"-"`
}

// Status derives the delivery state from receipts.
func (m Message) Status() MessageStatus {
	switch {
	case m.Pending || m.ID == "":
		return MessageStatusSending
	case m.ReadAt != nil:
		return MessageStatusRead
	case m.DeliveredAt != nil:
		return MessageStatusDelivered
	default:
		return MessageStatusSent
	}
}

func (m Message) RecordID() string       { return m.ID }
func (m Message) CorrelationKey() string { return m.CorrelationID }
func (m Message) CreatedTime() time.Time { return m.CreatedAt }
