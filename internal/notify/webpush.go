// Package notify delivers offer and message notifications as Web Push
// messages to every subscription a user registered.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"marketsync/internal/models"
	"marketsync/internal/offer"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const DefaultTTL = 24 * 60 * 60

type Subscriptions interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type ConversationReader interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
}

// Presence tells whether a user has a live realtime connection.
type Presence interface {
	Online(userID string) bool
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	TTL             int
	HTTPClient      webpush.HTTPClient
	// Presence, when set, suppresses message pushes to users that are
	// connected and already see the message.
	Presence Presence
	Logger   *slog.Logger
}

func (c *Config) Validate() error {
	if c.VAPIDPublicKey == "" || c.VAPIDPrivateKey == "" {
		return errors.New("vapid keys are required")
	}
	if c.Subscriber == "" {
		return errors.New("vapid subscriber is required")
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Payload is the JSON body the service worker receives.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
	URL   string `json:"url,omitempty"`
}

type WebPush struct {
	cfg           Config
	subs          Subscriptions
	conversations ConversationReader
	logger        *slog.Logger
}

func NewWebPush(subs Subscriptions, conversations ConversationReader, cfg Config) (*WebPush, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WebPush{
		cfg:           cfg,
		subs:          subs,
		conversations: conversations,
		logger:        cfg.Logger,
	}, nil
}

// NotifyOffer implements offer.Notifier.
func (w *WebPush) NotifyOffer(ctx context.Context, recipientID string, event offer.Event, o models.Offer) error {
	amount := models.FormatAmount(o.Amount, o.Currency)
	p := Payload{
		Tag: "offer-" + o.ID,
		URL: "/conversations/" + o.ConversationID,
	}
	switch event {
	case offer.EventNew:
		p.Title, p.Body = "New offer", fmt.Sprintf("You received an offer of %s", amount)
	case offer.EventAccepted:
		p.Title, p.Body = "Offer accepted", fmt.Sprintf("Your offer of %s was accepted", amount)
	case offer.EventRejected:
		p.Title, p.Body = "Offer declined", fmt.Sprintf("Your offer of %s was declined", amount)
		if o.ResponseMessage != "" {
			p.Body += ": " + o.ResponseMessage
		}
	case offer.EventCountered:
		p.Title, p.Body = "Counter offer", fmt.Sprintf("You received a counter offer of %s", amount)
	case offer.EventWithdrawn:
		p.Title, p.Body = "Offer withdrawn", fmt.Sprintf("An offer of %s was withdrawn", amount)
	case offer.EventExpired:
		p.Title, p.Body = "Offer expired", fmt.Sprintf("Your offer of %s expired", amount)
	default:
		return fmt.Errorf("%w: unknown offer event %q", models.ErrInvalid, event)
	}
	return w.Send(ctx, recipientID, p)
}

// NotifyMessage pushes a new message to the other participant of its
// conversation. System messages are not pushed.
func (w *WebPush) NotifyMessage(ctx context.Context, m models.Message) error {
	if m.Kind == models.MessageKindSystem {
		return nil
	}
	conv, err := w.conversations.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	recipient := conv.Other(m.SenderID)
	if w.cfg.Presence != nil && w.cfg.Presence.Online(recipient) {
		return nil
	}
	body := m.Content
	if len([]rune(body)) > 120 {
		body = string([]rune(body)[:119]) + "…"
	}
	return w.Send(ctx, recipient, Payload{
		Title: "New message",
		Body:  body,
		Tag:   "conversation-" + m.ConversationID,
		URL:   "/conversations/" + m.ConversationID,
	})
}

// Send delivers p to every subscription of userID. Subscriptions the push
// service reports as gone are deleted.
func (w *WebPush) Send(ctx context.Context, userID string, p Payload) error {
	subs, err := w.subs.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if err := w.send(ctx, sub, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WebPush) send(ctx context.Context, sub models.PushSubscription, body []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      w.cfg.HTTPClient,
		Subscriber:      w.cfg.Subscriber,
		TTL:             w.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		return fmt.Errorf("failed to send push to %s: %w", sub.Endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		w.logger.Info("push subscription expired", "user_id", sub.UserID, "endpoint", sub.Endpoint)
		if err := w.subs.DeletePushSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
			return fmt.Errorf("failed to delete expired push subscription: %w", err)
		}
		return nil
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service rejected notification with status %d", resp.StatusCode)
	}
	return nil
}
