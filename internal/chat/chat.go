// Package chat is the client engine of one signed-in user. It keeps the
// inbox, the open conversation threads and their offers consistent across
// local writes, change notifications and refetches.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"marketsync/internal/channel"
	"marketsync/internal/feed"
	"marketsync/internal/fetch"
	"marketsync/internal/models"
	"marketsync/internal/offer"
	"marketsync/internal/optimistic"
	"marketsync/internal/unread"

	"github.com/google/uuid"
)

type Backend interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	FindOrCreateConversation(ctx context.Context, a, b, listingID string) (models.Conversation, bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListOffers(ctx context.Context, conversationID string) ([]models.Offer, error)
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	MarkDelivered(ctx context.Context, conversationID, recipientID string, at time.Time) (int, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)
}

type Enricher interface {
	Message(ctx context.Context, op feed.Op, m models.Message) models.Message
	Offer(ctx context.Context, op feed.Op, o models.Offer) models.Offer
	Conversation(ctx context.Context, op feed.Op, c models.Conversation) models.Conversation
	JoinMessage(ctx context.Context, m models.Message) models.Message
	JoinOffer(ctx context.Context, o models.Offer) models.Offer
	JoinConversation(ctx context.Context, c models.Conversation) models.Conversation
}

// Classifier returns a *content.RejectedError for content that must not be
// sent.
type Classifier interface {
	Check(text string, attachments []models.Attachment) error
}

type Offers interface {
	Propose(ctx context.Context, p offer.Proposal) (offer.Result, error)
	Transition(ctx context.Context, actorID, offerID string, action offer.Action) (offer.Result, error)
}

type UpdateKind string

const (
	UpdateInbox    UpdateKind = "inbox"
	UpdateMessages UpdateKind = "messages"
	UpdateOffers   UpdateKind = "offers"
	UpdateUnread   UpdateKind = "unread"
)

// Update tells the UI what to re-render.
type Update struct {
	Kind           UpdateKind
	ConversationID string
}

type Deps struct {
	Backend    Backend
	Channels   *channel.Manager
	Enricher   Enricher
	Classifier Classifier
	Offers     Offers
}

type Config struct {
	UserID string
	// UnreadWindow defaults to unread.DefaultRecencyWindow. Negative
	// disables the stale-count protection.
	UnreadWindow time.Duration
	Fetch        fetch.Policy
	OnUpdate     func(Update)
	Logger       *slog.Logger
}

type thread struct {
	conversation models.Conversation
	messages     *optimistic.Store[models.Message]
	offers       *optimistic.Store[models.Offer]
	handles      []*channel.Handle
}

type Session struct {
	userID     string
	backend    Backend
	channels   *channel.Manager
	enricher   Enricher
	classifier Classifier
	offers     Offers
	unread     *unread.Reconciler
	fetch      fetch.Policy
	onUpdate   func(Update)
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time

	ctx   context.Context
	inbox *optimistic.Store[models.Conversation]

	mu           sync.Mutex
	inboxHandles []*channel.Handle
	threads      map[string]*thread
}

func NewSession(deps Deps, cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("%w: session needs a user", models.ErrInvalid)
	}
	if deps.Backend == nil || deps.Channels == nil || deps.Enricher == nil || deps.Classifier == nil || deps.Offers == nil {
		return nil, errors.New("chat session dependencies are incomplete")
	}
	if cfg.Fetch == (fetch.Policy{}) {
		cfg.Fetch = fetch.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UnreadWindow == 0 {
		cfg.UnreadWindow = unread.DefaultRecencyWindow
	}

	s := &Session{
		userID:     cfg.UserID,
		backend:    deps.Backend,
		channels:   deps.Channels,
		enricher:   deps.Enricher,
		classifier: deps.Classifier,
		offers:     deps.Offers,
		unread:     unread.NewReconciler(cfg.UnreadWindow),
		fetch:      cfg.Fetch,
		onUpdate:   cfg.OnUpdate,
		logger:     cfg.Logger.With("user_id", cfg.UserID),
		newID:      uuid.NewString,
		now:        time.Now,
		ctx:        context.Background(),
		threads:    make(map[string]*thread),
	}
	s.inbox = optimistic.New(optimistic.WithOnChange[models.Conversation](func() {
		s.emit(UpdateInbox, "")
	}))
	return s, nil
}

func (s *Session) emit(kind UpdateKind, conversationID string) {
	if s.onUpdate != nil {
		s.onUpdate(Update{Kind: kind, ConversationID: conversationID})
	}
}

// Start subscribes to the user's conversations and loads the inbox.
// Handlers use ctx for their reads.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if len(s.inboxHandles) > 0 {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	handlers := channel.Handlers[models.Conversation]{
		OnInsert: func(e channel.Insert[models.Conversation]) { s.applyConversation(e.Record) },
		OnUpdate: func(e channel.Update[models.Conversation]) { s.applyConversation(e.Record) },
		OnDelete: func(e channel.Delete[models.Conversation]) {
			s.inbox.Remove(e.Record.ID)
			s.unread.Forget(e.Record.ID)
		},
	}
	enrich := channel.WithEnricher[models.Conversation](s.enricher.Conversation)
	reopen := channel.OnReopen[models.Conversation](func(ctx context.Context) {
		if err := s.refetchInbox(ctx); err != nil {
			s.logger.Warn("failed to reload inbox after reconnect", "error", err)
		}
	})
	// A user appears in either participant column.
	for _, column := range []string{"participant_a", "participant_b"} {
		key := feed.Key{Table: models.TableConversations, Filter: feed.Eq(column, s.userID)}
		s.inboxHandles = append(s.inboxHandles, channel.Open(s.channels, key, handlers, enrich, reopen))
	}
	s.mu.Unlock()

	return s.refetchInbox(ctx)
}

func (s *Session) applyConversation(c models.Conversation) {
	if !c.HasParticipant(s.userID) {
		return
	}
	s.inbox.UpsertFromServer(c)
	if err := s.refreshUnread(s.ctx); err != nil {
		s.logger.Warn("failed to refresh unread counts", "conversation_id", c.ID, "error", err)
	}
}

// StartConversation returns the conversation with otherUserID about
// listingID, creating it if needed.
func (s *Session) StartConversation(ctx context.Context, otherUserID, listingID string) (models.Conversation, error) {
	conv, _, err := s.backend.FindOrCreateConversation(ctx, s.userID, otherUserID, listingID)
	if err != nil {
		return models.Conversation{}, err
	}
	conv = s.enricher.JoinConversation(ctx, conv)
	s.inbox.UpsertFromServer(conv)
	return conv, nil
}

// OpenThread subscribes to a conversation's messages and offers, then loads
// them. Opening an open thread does nothing.
func (s *Session) OpenThread(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	_, open := s.threads[conversationID]
	s.mu.Unlock()
	if open {
		return nil
	}

	conv, err := fetch.Do(ctx, s.fetch, func(ctx context.Context) (models.Conversation, error) {
		return s.backend.GetConversation(ctx, conversationID)
	})
	if err != nil {
		return err
	}
	if !conv.HasParticipant(s.userID) {
		return fmt.Errorf("%w: %s is not in conversation %s", models.ErrForbidden, s.userID, conversationID)
	}

	th := &thread{
		conversation: conv,
		messages: optimistic.New(optimistic.WithOnChange[models.Message](func() {
			s.emit(UpdateMessages, conversationID)
		})),
		offers: optimistic.New(optimistic.WithOnChange[models.Offer](func() {
			s.emit(UpdateOffers, conversationID)
		})),
	}

	s.mu.Lock()
	if _, raced := s.threads[conversationID]; raced {
		s.mu.Unlock()
		return nil
	}
	s.threads[conversationID] = th
	// Subscribe before loading so nothing written in between is missed.
	filter := feed.Eq("conversation_id", conversationID)
	th.handles = append(th.handles,
		channel.Open(s.channels, feed.Key{Table: models.TableMessages, Filter: filter}, channel.Handlers[models.Message]{
			OnInsert: func(e channel.Insert[models.Message]) { th.messages.UpsertFromServer(e.Record) },
			OnUpdate: func(e channel.Update[models.Message]) { th.messages.UpsertFromServer(e.Record) },
			OnDelete: func(e channel.Delete[models.Message]) { th.messages.Remove(e.Record.ID) },
		},
			channel.WithEnricher[models.Message](s.enricher.Message),
			channel.OnReopen[models.Message](func(ctx context.Context) {
				if err := s.refetchMessages(ctx, th); err != nil {
					s.logger.Warn("failed to reload messages after reconnect", "conversation_id", conversationID, "error", err)
				}
			}),
		),
		channel.Open(s.channels, feed.Key{Table: models.TableOffers, Filter: filter}, channel.Handlers[models.Offer]{
			OnInsert: func(e channel.Insert[models.Offer]) { th.offers.UpsertFromServer(e.Record) },
			OnUpdate: func(e channel.Update[models.Offer]) { th.offers.UpsertFromServer(e.Record) },
			OnDelete: func(e channel.Delete[models.Offer]) { th.offers.Remove(e.Record.ID) },
		},
			channel.WithEnricher[models.Offer](s.enricher.Offer),
			channel.OnReopen[models.Offer](func(ctx context.Context) {
				if err := s.refetchOffers(ctx, th); err != nil {
					s.logger.Warn("failed to reload offers after reconnect", "conversation_id", conversationID, "error", err)
				}
			}),
		),
	)
	s.mu.Unlock()

	if err := s.refetchThread(ctx, th); err != nil {
		// Unregister so the next OpenThread loads it again.
		s.mu.Lock()
		if s.threads[conversationID] == th {
			delete(s.threads, conversationID)
		}
		s.mu.Unlock()
		for _, h := range th.handles {
			s.channels.Close(h)
		}
		return err
	}

	if _, err := s.backend.MarkDelivered(ctx, conversationID, s.userID, s.now()); err != nil {
		s.logger.Warn("failed to mark messages delivered", "conversation_id", conversationID, "error", err)
	}
	return nil
}

// CloseThread stops delivery for a conversation. In-flight enrichment
// results are discarded.
func (s *Session) CloseThread(conversationID string) {
	s.mu.Lock()
	th, ok := s.threads[conversationID]
	delete(s.threads, conversationID)
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, h := range th.handles {
		s.channels.Close(h)
	}
}

// Close closes every subscription of the session.
func (s *Session) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	inbox := s.inboxHandles
	s.inboxHandles = nil
	s.mu.Unlock()

	for _, id := range ids {
		s.CloseThread(id)
	}
	for _, h := range inbox {
		s.channels.Close(h)
	}
}

func (s *Session) thread(conversationID string) (*thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s is not open", models.ErrInvalid, conversationID)
	}
	return th, nil
}

// Send shows the message immediately, checks it with the classifier and
// writes it. A rejected or failed message is removed again and the error is
// returned; a content rejection carries the flags.
func (s *Session) Send(ctx context.Context, conversationID, text string, attachments []models.Attachment) (models.Message, error) {
	th, err := s.thread(conversationID)
	if err != nil {
		return models.Message{}, err
	}

	kind := models.MessageKindText
	if slices.ContainsFunc(attachments, func(a models.Attachment) bool { return a.Type == models.AttachmentTypeImage }) {
		kind = models.MessageKindImage
	}

	correlationID := "tmp-" + s.newID()
	provisional := models.Message{
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        text,
		Kind:           kind,
		CreatedAt:      s.now(),
		Attachments:    attachments,
		Pending:        true,
	}
	if err := th.messages.InsertOptimistic(correlationID, provisional); err != nil {
		return models.Message{}, err
	}

	if err := s.classifier.Check(text, attachments); err != nil {
		th.messages.Rollback(correlationID)
		return models.Message{}, err
	}

	write := provisional
	write.Pending = false
	stored, err := s.backend.InsertMessage(ctx, write)
	if err != nil {
		th.messages.Rollback(correlationID)
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	stored = s.enricher.JoinMessage(ctx, stored)
	th.messages.Reconcile(correlationID, stored)
	return stored, nil
}

// MarkRead clears the local unread state first, then records the read.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	s.unread.MarkRead(conversationID)
	s.emit(UpdateUnread, conversationID)
	if _, err := s.backend.MarkConversationRead(ctx, conversationID, s.userID, s.now()); err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

// MarkUnread is local only; server counts are ignored until MarkRead.
func (s *Session) MarkUnread(conversationID string) {
	s.unread.MarkUnread(conversationID)
	s.emit(UpdateUnread, conversationID)
}

// MakeOffer proposes amount on the listing of the conversation.
func (s *Session) MakeOffer(ctx context.Context, conversationID string, amount int64, message string) (offer.Result, error) {
	conv, err := fetch.Do(ctx, s.fetch, func(ctx context.Context) (models.Conversation, error) {
		return s.backend.GetConversation(ctx, conversationID)
	})
	if err != nil {
		return offer.Result{}, err
	}
	if conv.ListingID == "" {
		return offer.Result{}, fmt.Errorf("%w: conversation %s is not about a listing", models.ErrInvalid, conversationID)
	}

	res, err := s.offers.Propose(ctx, offer.Proposal{
		ConversationID: conversationID,
		ListingID:      conv.ListingID,
		BuyerID:        s.userID,
		Amount:         amount,
		Message:        message,
	})
	if err != nil {
		return offer.Result{}, err
	}
	s.applyResult(ctx, conversationID, res)
	return res, nil
}

// TransitionOffer applies action as the session user. On a conflict the
// thread's offers are refetched before the error is returned, so the UI
// shows the state that won.
func (s *Session) TransitionOffer(ctx context.Context, conversationID, offerID string, action offer.Action) (offer.Result, error) {
	res, err := s.offers.Transition(ctx, s.userID, offerID, action)
	if errors.Is(err, models.ErrConflict) {
		if th, terr := s.thread(conversationID); terr == nil {
			if rerr := s.refetchOffers(ctx, th); rerr != nil {
				s.logger.Warn("failed to refresh offers after conflict", "conversation_id", conversationID, "error", rerr)
			}
		}
		return offer.Result{}, err
	}
	if err != nil {
		return offer.Result{}, err
	}
	s.applyResult(ctx, conversationID, res)
	return res, nil
}

// applyResult shows a transition before its change notifications arrive.
// Rival offers of other conversations are not in this thread.
func (s *Session) applyResult(ctx context.Context, conversationID string, res offer.Result) {
	th, err := s.thread(conversationID)
	if err != nil {
		return
	}
	th.offers.UpsertFromServer(s.enricher.JoinOffer(ctx, res.Offer))
	if res.Counter != nil {
		th.offers.UpsertFromServer(s.enricher.JoinOffer(ctx, *res.Counter))
	}
	for _, r := range res.Rejected {
		if r.ConversationID == conversationID {
			th.offers.UpsertFromServer(s.enricher.JoinOffer(ctx, r))
		}
	}
	for _, m := range res.Messages {
		th.messages.UpsertFromServer(s.enricher.JoinMessage(ctx, m))
	}
}

// Refetch reloads the inbox, the unread counts and every open thread.
func (s *Session) Refetch(ctx context.Context) error {
	var errs []error
	if err := s.refetchInbox(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	threads := make([]*thread, 0, len(s.threads))
	for _, th := range s.threads {
		threads = append(threads, th)
	}
	s.mu.Unlock()

	for _, th := range threads {
		if err := s.refetchThread(ctx, th); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) refetchInbox(ctx context.Context) error {
	convs, err := fetch.Do(ctx, s.fetch, func(ctx context.Context) ([]models.Conversation, error) {
		return s.backend.ListConversations(ctx, s.userID)
	})
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	for i := range convs {
		convs[i] = s.enricher.JoinConversation(ctx, convs[i])
	}
	s.inbox.ReplaceAll(convs)
	return s.refreshUnread(ctx)
}

func (s *Session) refreshUnread(ctx context.Context) error {
	counts, err := fetch.Do(ctx, s.fetch, func(ctx context.Context) (map[string]int, error) {
		return s.backend.UnreadCounts(ctx, s.userID)
	})
	if err != nil {
		return fmt.Errorf("failed to load unread counts: %w", err)
	}
	for id, n := range counts {
		s.unread.Reconcile(id, n)
	}
	s.emit(UpdateUnread, "")
	return nil
}

func (s *Session) refetchThread(ctx context.Context, th *thread) error {
	if err := s.refetchMessages(ctx, th); err != nil {
		return err
	}
	return s.refetchOffers(ctx, th)
}

func (s *Session) refetchMessages(ctx context.Context, th *thread) error {
	id := th.conversation.ID
	msgs, err := fetch.Do(ctx, s.fetch, func(ctx context.Context) ([]models.Message, error) {
		return s.backend.ListMessages(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to load messages of %s: %w", id, err)
	}
	for i := range msgs {
		msgs[i] = s.enricher.JoinMessage(ctx, msgs[i])
	}
	th.messages.ReplaceAll(msgs)
	return nil
}

func (s *Session) refetchOffers(ctx context.Context, th *thread) error {
	id := th.conversation.ID
	offers, err := fetch.Do(ctx, s.fetch, func(ctx context.Context) ([]models.Offer, error) {
		return s.backend.ListOffers(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to load offers of %s: %w", id, err)
	}
	for i := range offers {
		offers[i] = s.enricher.JoinOffer(ctx, offers[i])
	}
	th.offers.ReplaceAll(offers)
	return nil
}

// Conversations returns the inbox, most recent activity first.
func (s *Session) Conversations() []models.Conversation {
	convs := s.inbox.Values()
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return convs
}

// Messages returns an open thread's messages in creation order. Provisional
// messages have Pending set.
func (s *Session) Messages(conversationID string) []models.Message {
	th, err := s.thread(conversationID)
	if err != nil {
		return nil
	}
	entries := th.messages.Snapshot()
	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Value
		out[i].Pending = e.Pending
	}
	return out
}

func (s *Session) Offers(conversationID string) []models.Offer {
	th, err := s.thread(conversationID)
	if err != nil {
		return nil
	}
	return th.offers.Values()
}

// Unread is the count to display for a conversation.
func (s *Session) Unread(conversationID string) int {
	return s.unread.Count(conversationID)
}

func (s *Session) UnreadTotal() int {
	return s.unread.Total()
}
