// Package alert - куда клиент выводит уведомления: всплывающие сообщения
// в интерфейсе и системные уведомления рабочего стола.
package alert

import (
	"context"
	"sync"
	"sync/atomic"

	"lab_collab/pkg/logger"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Toast struct {
	Level   Level
	Icon    string
	Message string
}

type Toaster interface {
	Toast(t Toast)
}

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Desktop - системные уведомления
type Desktop interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Notify(ctx context.Context, title, body string) error
}

// Focus - в фокусе ли окно клиента
type Focus struct {
	focused atomic.Bool
}

func NewFocus(focused bool) *Focus {
	f := &Focus{}
	f.focused.Store(focused)
	return f
}

func (f *Focus) Set(focused bool) { f.focused.Store(focused) }

func (f *Focus) Focused() bool { return f.focused.Load() }

type logToaster struct {
	log logger.Logger
}

// NewLogToaster пишет всплывающие сообщения в лог (для безголового режима)
func NewLogToaster(log logger.Logger) Toaster {
	return &logToaster{log: log}
}

func (t *logToaster) Toast(toast Toast) {
	if toast.Level == LevelError {
		t.log.Warn(toast.Message, "icon", toast.Icon)
		return
	}
	t.log.Info(toast.Message, "icon", toast.Icon, "level", string(toast.Level))
}

// Feed - очередь сообщений для TUI
type Feed struct {
	ch chan Toast
}

func NewFeed(size int) *Feed {
	return &Feed{ch: make(chan Toast, size)}
}

// Toast не блокирует: при переполнении сообщение отбрасывается
func (f *Feed) Toast(t Toast) {
	select {
	case f.ch <- t:
	default:
	}
}

func (f *Feed) C() <-chan Toast { return f.ch }

// Recorder запоминает сообщения
type Recorder struct {
	mu     sync.Mutex
	toasts []Toast
}

func (r *Recorder) Toast(t Toast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, t)
}

func (r *Recorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Toast, len(r.toasts))
	copy(out, r.toasts)
	return out
}

// NoDesktop - системные уведомления недоступны
type NoDesktop struct{}

func (NoDesktop) Permission() Permission { return PermissionDenied }

func (NoDesktop) RequestPermission(context.Context) (Permission, error) {
	return PermissionDenied, nil
}

func (NoDesktop) Notify(context.Context, string, string) error { return nil }
