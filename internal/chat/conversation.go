package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lab_collab/internal/alert"
	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

type ConversationConfig struct {
	Store store.DocumentStore
	Me    Participant
	Peer  Participant
	// Focus - окно в фокусе; входящие помечаются прочитанными только в фокусе
	Focus       *alert.Focus
	Clock       clock.Clock
	TypingQuiet time.Duration
	Log         logger.Logger
}

// Update - очередная эмиссия подписки: полный упорядоченный список
// и только что добавленные сообщения
type Update struct {
	Messages []domain.Message
	Added    []domain.Message
	Pending  bool
}

// Draft - то, что пользователь собирается отправить
type Draft struct {
	Text       string
	Attachment *domain.Attachment
	ReplyTo    *domain.Message
}

func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.Attachment == nil
}

// Conversation - канал между Me и Peer
type Conversation struct {
	store     store.DocumentStore
	me        Participant
	peer      Participant
	channelID string
	focus     *alert.Focus
	typing    *Typing
	log       logger.Logger

	mu       sync.Mutex
	ctx      context.Context
	sub      store.Subscription
	messages []domain.Message
	// reading - id, для которых запись isRead=true уже отправлена,
	// но подписка еще не показала результат
	reading map[string]struct{}
}

func NewConversation(cfg ConversationConfig) (*Conversation, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: document store is required", apperrors.ErrInvalidArgument)
	}
	if err := ValidateParticipantID(cfg.Me.ID); err != nil {
		return nil, err
	}
	if cfg.Peer.ID == "" {
		return nil, ErrNoRecipient
	}
	if err := ValidateParticipantID(cfg.Peer.ID); err != nil {
		return nil, err
	}
	if cfg.Focus == nil {
		cfg.Focus = alert.NewFocus(true)
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewNop()
	}

	channelID := ChannelID(cfg.Me.ID, cfg.Peer.ID)
	log := cfg.Log.With("chat_id", channelID)
	return &Conversation{
		store:     cfg.Store,
		me:        cfg.Me,
		peer:      cfg.Peer,
		channelID: channelID,
		focus:     cfg.Focus,
		typing:    NewTyping(StatusWriter(cfg.Store, channelID, cfg.Me.ID), cfg.Clock, cfg.TypingQuiet, log),
		log:       log,
		ctx:       context.Background(),
		reading:   make(map[string]struct{}),
	}, nil
}

func (c *Conversation) ChannelID() string { return c.channelID }

func (c *Conversation) Me() Participant { return c.me }

func (c *Conversation) Peer() Participant { return c.peer }

// Query - запрос сообщений канала по возрастанию createdAt
func (c *Conversation) Query() store.Query {
	return MessagesQuery(c.channelID)
}

func MessagesQuery(channelID string) store.Query {
	return store.Collection(domain.CollectionDirectMessages).
		Where("chatId", store.OpEqual, channelID).
		Order("createdAt", false)
}

// Subscribe открывает живую подписку на сообщения канала. Повторный вызов
// закрывает предыдущую. Подписка живет до Close.
func (c *Conversation) Subscribe(ctx context.Context, onUpdate func(Update)) error {
	c.mu.Lock()
	prev := c.sub
	c.sub = nil
	c.ctx = ctx
	c.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}

	sub, err := c.store.Listen(c.Query(), func(snap store.Snapshot) {
		update := c.apply(snap)
		if onUpdate != nil {
			onUpdate(update)
		}
		if c.focus.Focused() {
			if err := c.MarkAllRead(c.context()); err != nil {
				c.log.Warn("Failed to mark messages as read", "error", err)
			}
		}
	}, func(err error) {
		c.log.Error("Messages listener failed", "error", err)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to channel %s: %w", c.channelID, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Conversation) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Conversation) apply(snap store.Snapshot) Update {
	messages := make([]domain.Message, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		m, err := DecodeMessage(doc)
		if err != nil {
			c.log.Warn("Skipping malformed message", "message_id", doc.ID, "error", err)
			continue
		}
		m.Pending = snap.HasPendingWrites && m.CreatedAt == nil
		messages = append(messages, m)
	}

	var added []domain.Message
	for _, doc := range snap.Added() {
		m, err := DecodeMessage(doc)
		if err != nil {
			continue
		}
		added = append(added, m)
	}

	c.mu.Lock()
	c.messages = messages
	for id := range c.reading {
		if m, ok := findMessage(messages, id); !ok || m.IsRead {
			delete(c.reading, id)
		}
	}
	c.mu.Unlock()

	return Update{Messages: cloneMessages(messages), Added: added, Pending: snap.HasPendingWrites}
}

// Close освобождает подписку и останавливает индикатор набора
func (c *Conversation) Close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	c.typing.Stop()
}

// Messages - последний полученный список
func (c *Conversation) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.messages)
}

// Pinned - закрепленные сообщения текущего списка
func (c *Conversation) Pinned() []domain.Message {
	return Pinned(c.Messages())
}

func (c *Conversation) message(id string) (domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := findMessage(c.messages, id)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return m, nil
}

// Keystroke - ввод в поле сообщения
func (c *Conversation) Keystroke() {
	c.typing.Keystroke()
}

func (c *Conversation) Typing() *Typing { return c.typing }

// Send создает сообщение. Пустой черновик и отсутствие получателя отклоняются без записи.
func (c *Conversation) Send(ctx context.Context, d Draft) (string, error) {
	if d.Empty() {
		return "", ErrEmptyMessage
	}
	if c.peer.ID == "" {
		return "", ErrNoRecipient
	}

	fields := store.Fields{
		"chatId":     c.channelID,
		"senderId":   c.me.ID,
		"receiverId": c.peer.ID,
		"text":       strings.TrimSpace(d.Text),
		"createdAt":  store.ServerTimestamp,
		"attachment": nil,
		"isRead":     false,
		"isPinned":   false,
		"isEdited":   false,
		"reactions":  map[string]interface{}{},
	}
	if d.Attachment != nil {
		fields["attachment"] = map[string]interface{}{
			"type": string(d.Attachment.Type),
			"data": d.Attachment.Data,
			"name": d.Attachment.Name,
		}
	}
	if d.ReplyTo != nil {
		fields["replyTo"] = c.replyRef(*d.ReplyTo)
	}

	id, err := c.store.Add(ctx, domain.CollectionDirectMessages, fields)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	c.typing.Clear()
	return id, nil
}

func (c *Conversation) replyRef(m domain.Message) map[string]interface{} {
	text := m.Text
	if text == "" {
		text = AttachmentPlaceholder
	}
	name := c.peer.Name
	if m.SenderID == c.me.ID {
		name = c.me.Name
	}
	return map[string]interface{}{"id": m.ID, "text": text, "senderName": name}
}

// MarkRead отмечает входящее непрочитанное сообщение прочитанным.
// Уже прочитанное или уже отмечаемое сообщение записи не порождает.
func (c *Conversation) MarkRead(ctx context.Context, id string) error {
	c.mu.Lock()
	m, ok := findMessage(c.messages, id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if m.ReceiverID != c.me.ID {
		c.mu.Unlock()
		return ErrNotReceiver
	}
	if _, busy := c.reading[id]; busy || m.IsRead {
		c.mu.Unlock()
		return nil
	}
	c.reading[id] = struct{}{}
	c.mu.Unlock()

	if err := c.store.Update(ctx, domain.CollectionDirectMessages, id, store.Fields{"isRead": true}); err != nil {
		c.mu.Lock()
		delete(c.reading, id)
		c.mu.Unlock()
		return fmt.Errorf("failed to mark message %s as read: %w", id, err)
	}
	return nil
}

// MarkAllRead отмечает все входящие непрочитанные сообщения
func (c *Conversation) MarkAllRead(ctx context.Context) error {
	var ids []string
	c.mu.Lock()
	for _, m := range c.messages {
		if m.ReceiverID == c.me.ID && !m.IsRead && !m.Pending {
			ids = append(ids, m.ID)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.MarkRead(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnFocus - окно снова в фокусе: догоняем сообщения, пришедшие без фокуса
func (c *Conversation) OnFocus(ctx context.Context) error {
	c.focus.Set(true)
	return c.MarkAllRead(ctx)
}

// OnBlur - окно потеряло фокус
func (c *Conversation) OnBlur() {
	c.focus.Set(false)
}

// ToggleReaction: та же реакция снимается, другая заменяет прежнюю
func (c *Conversation) ToggleReaction(ctx context.Context, id, emoji string) error {
	if err := ValidateReaction(emoji); err != nil {
		return err
	}
	m, err := c.message(id)
	if err != nil {
		return err
	}

	patch := store.Fields{"reactions." + c.me.ID: emoji}
	switch prev, ok := m.Reactions[c.me.ID]; {
	case prev == emoji:
		patch["reactions."+c.me.ID] = store.DeleteField
		patch["reactedAt."+c.me.ID] = store.DeleteField
	case !ok:
		// замена эмодзи сохраняет место участника в порядке реакций
		patch["reactedAt."+c.me.ID] = store.ServerTimestamp
	}
	if err := c.store.Update(ctx, domain.CollectionDirectMessages, id, patch); err != nil {
		return fmt.Errorf("failed to react to message %s: %w", id, err)
	}
	return nil
}

// TogglePin доступен обоим участникам
func (c *Conversation) TogglePin(ctx context.Context, id string) error {
	m, err := c.message(id)
	if err != nil {
		return err
	}
	if err := c.store.Update(ctx, domain.CollectionDirectMessages, id, store.Fields{"isPinned": !m.IsPinned}); err != nil {
		return fmt.Errorf("failed to pin message %s: %w", id, err)
	}
	return nil
}

// Edit - только автор; пустой текст отклоняется
func (c *Conversation) Edit(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	m, err := c.message(id)
	if err != nil {
		return err
	}
	if m.SenderID != c.me.ID {
		return ErrNotSender
	}
	if err := c.store.Update(ctx, domain.CollectionDirectMessages, id, store.Fields{"text": text, "isEdited": true}); err != nil {
		return fmt.Errorf("failed to edit message %s: %w", id, err)
	}
	return nil
}

// Delete - только автор, без надгробия: ответы сохраняют свой снимок
func (c *Conversation) Delete(ctx context.Context, id string) error {
	m, err := c.message(id)
	if err != nil {
		return err
	}
	if m.SenderID != c.me.ID {
		return ErrNotSender
	}
	if err := c.store.Delete(ctx, domain.CollectionDirectMessages, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// WatchPeerTyping сообщает, набирает ли собеседник текст
func (c *Conversation) WatchPeerTyping(fn func(typing bool)) (store.Subscription, error) {
	field := domain.TypingField(c.peer.ID)
	return store.ListenDocument(c.store, domain.CollectionChatStatus, c.channelID, func(doc store.Document, exists bool) {
		if !exists {
			fn(false)
			return
		}
		v, _ := doc.Get(field)
		fn(v == true)
	}, func(err error) {
		if apperrors.IsPermissionDenied(err) {
			c.log.Debug("Typing listener denied", "error", err)
			return
		}
		c.log.Warn("Typing listener failed", "error", err)
	})
}

func findMessage(messages []domain.Message, id string) (domain.Message, bool) {
	for _, m := range messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	copy(out, in)
	return out
}
