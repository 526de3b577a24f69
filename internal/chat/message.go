package chat

import (
	"errors"
	"fmt"
	"strings"

	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
)

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrNoRecipient        = errors.New("no recipient selected")
	ErrMessageNotFound    = fmt.Errorf("%w: message", apperrors.ErrNotFound)
	ErrNotSender          = fmt.Errorf("%w: only the sender may do this", apperrors.ErrPermissionDenied)
	ErrNotReceiver        = fmt.Errorf("%w: only the receiver may do this", apperrors.ErrPermissionDenied)
	ErrInvalidReaction    = fmt.Errorf("%w: reaction must be a single emoji", apperrors.ErrInvalidArgument)
	ErrAttachmentTooLarge = fmt.Errorf("%w: attachment is too large", apperrors.ErrPayloadTooLarge)
)

// AttachmentPlaceholder - текст ответа на сообщение без текста
const AttachmentPlaceholder = "Attachment"

// DecodeMessage читает документ direct_messages
func DecodeMessage(doc store.Document) (domain.Message, error) {
	var raw struct {
		domain.Message
		CreatedAt *string `json:"createdAt"`
	}
	if err := doc.Decode(&raw); err != nil {
		return domain.Message{}, err
	}
	m := raw.Message
	m.ID = doc.ID
	if raw.CreatedAt != nil {
		t, err := store.ParseTimestamp(*raw.CreatedAt)
		if err != nil {
			return domain.Message{}, fmt.Errorf("message %s has invalid createdAt: %w", doc.ID, err)
		}
		m.CreatedAt = &t
	}
	if m.Reactions == nil {
		m.Reactions = map[string]string{}
	}
	return m, nil
}

// Search - сообщения, текст которых содержит query без учета регистра
func Search(messages []domain.Message, query string) []domain.Message {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return messages
	}
	var out []domain.Message
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, m)
		}
	}
	return out
}

// Pinned - закрепленные сообщения в исходном порядке
func Pinned(messages []domain.Message) []domain.Message {
	var out []domain.Message
	for _, m := range messages {
		if m.IsPinned {
			out = append(out, m)
		}
	}
	return out
}
