package chat

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lab_collab/internal/domain"
	"lab_collab/internal/serial"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const (
	DefaultTypingQuiet = 2 * time.Second
	typingWriteTimeout = 10 * time.Second
)

// Typing - индикатор набора текста: idle -> typing на первое нажатие в серии
// (одна запись true), каждое нажатие перезапускает таймер тишины,
// по истечении typing -> idle (одна запись false).
// Записи уходят в хранилище строго в порядке переходов.
type Typing struct {
	write func(ctx context.Context, typing bool) error
	clock clock.Clock
	quiet time.Duration
	log   logger.Logger

	mu     sync.Mutex
	typing bool
	timer  *clock.Timer
	gen    uint64

	writes serial.Queue
}

func NewTyping(write func(ctx context.Context, typing bool) error, clk clock.Clock, quiet time.Duration, log logger.Logger) *Typing {
	if clk == nil {
		clk = clock.New()
	}
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Typing{write: write, clock: clk, quiet: quiet, log: log}
}

// StatusWriter пишет флаг typing_<uid> в chat_status/<channelID> слиянием
func StatusWriter(st store.DocumentStore, channelID, uid string) func(ctx context.Context, typing bool) error {
	return func(ctx context.Context, typing bool) error {
		return st.Set(ctx, domain.CollectionChatStatus, channelID, store.Fields{domain.TypingField(uid): typing}, true)
	}
}

// Keystroke - пользователь нажал клавишу в поле ввода
func (t *Typing) Keystroke() {
	t.mu.Lock()
	start := !t.typing
	t.typing = true
	t.armLocked()
	if start {
		t.enqueueLocked(true)
	}
	t.mu.Unlock()

	t.writes.Drain()
}

// Clear - набор завершен без ожидания тишины (сообщение отправлено)
func (t *Typing) Clear() {
	t.mu.Lock()
	was := t.typing
	t.typing = false
	t.stopLocked()
	if was {
		t.enqueueLocked(false)
	}
	t.mu.Unlock()

	t.writes.Drain()
}

// Stop останавливает таймер без записи
func (t *Typing) Stop() {
	t.mu.Lock()
	t.typing = false
	t.stopLocked()
	t.mu.Unlock()
}

func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Typing) armLocked() {
	t.stopLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.quiet, func() { t.expire(gen) })
}

func (t *Typing) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.enqueueLocked(false)
	t.mu.Unlock()

	t.writes.Drain()
}

// enqueueLocked ставит запись в очередь под t.mu, чтобы порядок записей
// совпадал с порядком переходов. Если очередь уже разбирается в другой
// горутине, запись выполнит она после текущей.
func (t *Typing) enqueueLocked(typing bool) {
	t.writes.Push(func() { t.publish(typing) })
}

func (t *Typing) publish(typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), typingWriteTimeout)
	defer cancel()

	if err := t.write(ctx, typing); err != nil {
		if apperrors.IsPermissionDenied(err) {
			t.log.Debug("Typing status write denied", "typing", typing, "error", err)
			return
		}
		t.log.Warn("Failed to write typing status", "typing", typing, "error", err)
	}
}
