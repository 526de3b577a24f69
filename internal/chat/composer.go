package chat

import (
	"context"
	"errors"
	"sync"

	"lab_collab/internal/alert"
	"lab_collab/internal/domain"
)

// Composer - поле ввода сообщения. Черновик очищается сразу при отправке
// и возвращается, если запись не удалась.
type Composer struct {
	conv    *Conversation
	toaster alert.Toaster

	mu    sync.Mutex
	draft Draft
}

func NewComposer(conv *Conversation, toaster alert.Toaster) *Composer {
	return &Composer{conv: conv, toaster: toaster}
}

// SetText обновляет текст и отмечает нажатие для индикатора набора
func (p *Composer) SetText(text string) {
	p.mu.Lock()
	p.draft.Text = text
	p.mu.Unlock()
	p.conv.Keystroke()
}

func (p *Composer) Attach(a *domain.Attachment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draft.Attachment = a
}

func (p *Composer) ReplyTo(m *domain.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draft.ReplyTo = m
}

func (p *Composer) Draft() Draft {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draft
}

// Submit отправляет черновик. Ошибка записи возвращает черновик в поле
// и показывает одно сообщение об ошибке; повторной отправки нет.
func (p *Composer) Submit(ctx context.Context) (string, error) {
	p.mu.Lock()
	draft := p.draft
	if draft.Empty() {
		p.mu.Unlock()
		return "", ErrEmptyMessage
	}
	p.draft = Draft{}
	p.mu.Unlock()

	id, err := p.conv.Send(ctx, draft)
	if err == nil {
		return id, nil
	}

	p.mu.Lock()
	if p.draft.Empty() && p.draft.ReplyTo == nil {
		p.draft = draft
	}
	p.mu.Unlock()

	if !errors.Is(err, ErrEmptyMessage) && !errors.Is(err, ErrNoRecipient) && p.toaster != nil {
		p.toaster.Toast(alert.Toast{Level: alert.LevelError, Message: "Failed to send message"})
	}
	return "", err
}

// SubmitText отправляет text вместе с ответом и вложением черновика.
// Нажатием это не считается: после паузы отправка не взводит индикатор набора.
func (p *Composer) SubmitText(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	p.draft.Text = text
	p.mu.Unlock()
	return p.Submit(ctx)
}

// SendSticker отправляет стикер отдельным сообщением, не трогая черновик
func (p *Composer) SendSticker(ctx context.Context, s Sticker) (string, error) {
	id, err := p.conv.Send(ctx, Draft{Attachment: s.Attachment()})
	if err != nil && p.toaster != nil {
		p.toaster.Toast(alert.Toast{Level: alert.LevelError, Message: "Failed to send sticker"})
	}
	return id, err
}
