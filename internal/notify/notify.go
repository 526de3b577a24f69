// Package notify следит за всеми каналами текущего пользователя и показывает
// уведомление о новом входящем сообщении, если пользователь не в переписке.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lab_collab/internal/alert"
	"lab_collab/internal/chat"
	"lab_collab/internal/domain"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

const (
	DefaultGrace          = time.Second
	DefaultMessagingRoute = "/chat"

	notifyTimeout = 5 * time.Second
)

type Config struct {
	Store   store.DocumentStore
	Me      string
	Toaster alert.Toaster
	Desktop alert.Desktop
	Focus   *alert.Focus
	Clock   clock.Clock
	// Grace - окно начальной загрузки: события в нем считаются историей
	Grace          time.Duration
	MessagingRoute string
	Log            logger.Logger
}

// FanOut - по одной подписке на каждый канал "я + другой участник"
type FanOut struct {
	cfg Config
	log logger.Logger

	mu        sync.Mutex
	ctx       context.Context
	route     string
	running   bool
	listeners []*listener
	// gen растет при каждом сносе подписок; open с устаревшим gen ничего не добавляет
	gen uint64
}

type listener struct {
	chatID  string
	sub     store.Subscription
	timer   *clock.Timer
	initial bool
	closed  bool
}

func New(cfg Config) (*FanOut, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: document store is required", apperrors.ErrInvalidArgument)
	}
	if err := chat.ValidateParticipantID(cfg.Me); err != nil {
		return nil, err
	}
	if cfg.Toaster == nil {
		return nil, fmt.Errorf("%w: toaster is required", apperrors.ErrInvalidArgument)
	}
	if cfg.Desktop == nil {
		cfg.Desktop = alert.NoDesktop{}
	}
	if cfg.Focus == nil {
		cfg.Focus = alert.NewFocus(true)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MessagingRoute == "" {
		cfg.MessagingRoute = DefaultMessagingRoute
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewNop()
	}
	return &FanOut{cfg: cfg, log: cfg.Log.With("user_id", cfg.Me), ctx: context.Background()}, nil
}

// Start запрашивает разрешение на системные уведомления (если еще не спрашивали)
// и открывает подписки для текущего маршрута
func (f *FanOut) Start(ctx context.Context, route string) error {
	if f.cfg.Desktop.Permission() == alert.PermissionDefault {
		if perm, err := f.cfg.Desktop.RequestPermission(ctx); err != nil {
			f.log.Warn("Desktop notifications unavailable", "error", err)
		} else {
			f.log.Debug("Desktop notification permission", "permission", string(perm))
		}
	}

	f.mu.Lock()
	f.ctx = ctx
	f.route = route
	f.running = true
	gen := f.gen
	f.mu.Unlock()

	return f.open(ctx, gen)
}

// SetRoute - пользователь перешел на другой экран. Все подписки
// пересоздаются, подавление начальной загрузки взводится заново.
func (f *FanOut) SetRoute(ctx context.Context, route string) error {
	f.mu.Lock()
	if !f.running || f.route == route {
		f.route = route
		f.mu.Unlock()
		return nil
	}
	f.route = route
	f.mu.Unlock()

	gen := f.closeAll()
	return f.open(ctx, gen)
}

// Stop освобождает все подписки разом
func (f *FanOut) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.closeAll()
}

// Channels - каналы с открытой подпиской
func (f *FanOut) Channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.listeners))
	for _, l := range f.listeners {
		if !l.closed {
			out = append(out, l.chatID)
		}
	}
	return out
}

// Settled - все подписки вышли из окна начальной загрузки
func (f *FanOut) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		if l.initial && !l.closed {
			return false
		}
	}
	return true
}

// open заводит подписки поколения gen. Если пока шел запрос пользователей
// подписки снесли (SetRoute, Stop), открывать уже нечего.
func (f *FanOut) open(ctx context.Context, gen uint64) error {
	peers, err := f.peers(ctx)
	if err != nil {
		return err
	}

	for _, peer := range peers {
		l := &listener{chatID: chat.ChannelID(f.cfg.Me, peer), initial: true}

		f.mu.Lock()
		if !f.running || f.gen != gen {
			f.mu.Unlock()
			f.log.Debug("Notification listeners superseded", "gen", gen)
			return nil
		}
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()

		sub, err := f.cfg.Store.Listen(chat.MessagesQuery(l.chatID), func(snap store.Snapshot) {
			f.handle(l, snap)
		}, func(err error) {
			f.listenerFailed(l, err)
		})
		if err != nil {
			f.log.Warn("Failed to open channel listener", "chat_id", l.chatID, "error", err)
			f.mu.Lock()
			l.closed = true
			f.mu.Unlock()
			continue
		}

		f.mu.Lock()
		if l.closed {
			f.mu.Unlock()
			sub.Unsubscribe()
			continue
		}
		l.sub = sub
		l.timer = f.cfg.Clock.AfterFunc(f.cfg.Grace, func() {
			f.mu.Lock()
			l.initial = false
			f.mu.Unlock()
		})
		f.mu.Unlock()
	}

	f.log.Info("Notification listeners started", "channels", len(peers))
	return nil
}

// peers - все пользователи кроме меня; записи с непригодным id пропускаются
func (f *FanOut) peers(ctx context.Context) ([]string, error) {
	docs, err := f.cfg.Store.Fetch(ctx, store.Collection(domain.CollectionUsers))
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	var peers []string
	for _, doc := range docs {
		if doc.ID == f.cfg.Me {
			continue
		}
		if err := chat.ValidateParticipantID(doc.ID); err != nil {
			f.log.Warn("Skipping malformed user record", "user_id", doc.ID, "error", err)
			continue
		}
		peers = append(peers, doc.ID)
	}
	return peers, nil
}

func (f *FanOut) handle(l *listener, snap store.Snapshot) {
	f.mu.Lock()
	skip := l.closed || l.initial
	onMessaging := strings.Contains(f.route, f.cfg.MessagingRoute)
	f.mu.Unlock()
	if skip {
		return
	}

	for _, doc := range snap.Added() {
		m, err := chat.DecodeMessage(doc)
		if err != nil {
			f.log.Warn("Skipping malformed message", "chat_id", l.chatID, "message_id", doc.ID, "error", err)
			continue
		}
		if m.ReceiverID != f.cfg.Me || m.IsRead || m.CreatedAt == nil || snap.HasPendingWrites {
			continue
		}
		if onMessaging {
			continue
		}
		f.alert(m)
	}
}

func (f *FanOut) alert(m domain.Message) {
	f.cfg.Toaster.Toast(alert.Toast{Level: alert.LevelInfo, Icon: "💬", Message: "New message received"})

	if f.cfg.Focus.Focused() || f.cfg.Desktop.Permission() != alert.PermissionGranted {
		return
	}
	body := m.Text
	if body == "" {
		body = "Sent an attachment"
	}

	f.mu.Lock()
	parent := f.ctx
	f.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, notifyTimeout)
	defer cancel()
	if err := f.cfg.Desktop.Notify(ctx, "New Message", body); err != nil {
		f.log.Warn("Failed to show desktop notification", "error", err)
	}
}

func (f *FanOut) listenerFailed(l *listener, err error) {
	f.mu.Lock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}
	f.mu.Unlock()

	if apperrors.IsPermissionDenied(err) {
		f.log.Debug("Channel listener denied", "chat_id", l.chatID, "error", err)
		return
	}
	f.log.Warn("Channel listener failed", "chat_id", l.chatID, "error", err)
}

// closeAll сносит все подписки и возвращает новое поколение
func (f *FanOut) closeAll() uint64 {
	f.mu.Lock()
	f.gen++
	gen := f.gen
	listeners := f.listeners
	f.listeners = nil
	for _, l := range listeners {
		l.closed = true
		if l.timer != nil {
			l.timer.Stop()
		}
	}
	f.mu.Unlock()

	for _, l := range listeners {
		if l.sub != nil {
			l.sub.Unsubscribe()
		}
	}
	return gen
}
