package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lab_collab/internal/realtime"
	"lab_collab/internal/repository"
	apperrors "lab_collab/pkg/errors"
	"lab_collab/pkg/logger"
)

// RealtimeHub - серверная часть хранилища присутствия: сессии соединений
// с очередями отложенных записей и подписки на пути дерева.
type RealtimeHub struct {
	repo    repository.RealtimeRepository
	metrics *Metrics
	log     logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	nextID    uint64
	sessions  map[uint64]*RealtimeSession
	listeners map[uint64]*valueListener
}

type valueListener struct {
	session uint64
	path    string
	emit    func(realtime.Value)
	last    json.RawMessage
}

type deferredWrite struct {
	path  string
	value json.RawMessage
}

// RealtimeSession - одно websocket соединение
type RealtimeSession struct {
	hub    *RealtimeHub
	id     uint64
	userID string

	mu       sync.Mutex
	deferred []deferredWrite
	closed   bool
}

func NewRealtimeHub(repo repository.RealtimeRepository, metrics *Metrics, log logger.Logger) *RealtimeHub {
	return &RealtimeHub{
		repo:      repo,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
		sessions:  make(map[uint64]*RealtimeSession),
		listeners: make(map[uint64]*valueListener),
	}
}

func (h *RealtimeHub) Open(userID string) *RealtimeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &RealtimeSession{hub: h, id: h.nextID, userID: userID}
	h.sessions[s.id] = s
	h.metrics.RealtimeSessions.Inc()
	return s
}

func (h *RealtimeHub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Read - текущее значение пути
func (h *RealtimeHub) Read(ctx context.Context, path string) (realtime.Value, error) {
	clean, err := realtime.Clean(path)
	if err != nil {
		return realtime.Value{}, err
	}
	data, err := h.repo.Read(ctx, clean)
	if err != nil {
		return realtime.Value{}, err
	}
	return realtime.Value{Path: clean, Data: data}, nil
}

func (h *RealtimeHub) write(ctx context.Context, path string, value json.RawMessage, kind string) error {
	data, err := realtime.Encode(value, h.now().UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	if err := h.repo.Write(ctx, path, data); err != nil {
		return err
	}
	h.metrics.RealtimeWrites.WithLabelValues(kind).Inc()
	return nil
}

// Run разносит изменения дерева подписчикам до закрытия канала
func (h *RealtimeHub) Run(ctx context.Context, changes <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-changes:
			if !ok {
				h.log.Warn("Realtime change channel closed")
				return
			}
			h.notify(ctx, path)
		}
	}
}

// Resync перечитывает значения всех подписок; нужен после переподписки,
// когда изменения за время разрыва могли потеряться.
func (h *RealtimeHub) Resync(ctx context.Context) {
	h.notify(ctx, "/")
}

func (h *RealtimeHub) notify(ctx context.Context, changed string) {
	h.mu.Lock()
	paths := make(map[string]struct{})
	for _, l := range h.listeners {
		if realtime.Affects(l.path, changed) {
			paths[l.path] = struct{}{}
		}
	}
	h.mu.Unlock()

	values := make(map[string]json.RawMessage, len(paths))
	for p := range paths {
		data, err := h.repo.Read(ctx, p)
		if err != nil {
			h.log.Warn("Failed to read realtime value", "error", err, "path", p)
			continue
		}
		values[p] = data
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.listeners {
		data, ok := values[l.path]
		if !ok || bytes.Equal(l.last, data) {
			continue
		}
		l.last = data
		l.emit(realtime.Value{Path: l.path, Data: data})
	}
}

// Set - прямая запись; .info/connected только для чтения
func (s *RealtimeSession) Set(ctx context.Context, path string, value json.RawMessage) error {
	clean, err := writablePath(path)
	if err != nil {
		return err
	}
	return s.hub.write(ctx, clean, value, "direct")
}

// OnDisconnectSet взводит запись, которую сервер применит при закрытии соединения.
// Повторный вызов для того же пути заменяет значение.
func (s *RealtimeSession) OnDisconnectSet(path string, value json.RawMessage) error {
	clean, err := writablePath(path)
	if err != nil {
		return err
	}
	if _, err := realtime.Encode(value, s.hub.now()); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrUnavailable
	}
	for i, w := range s.deferred {
		if w.path == clean {
			s.deferred[i].value = value
			return nil
		}
	}
	s.deferred = append(s.deferred, deferredWrite{path: clean, value: value})
	return nil
}

func (s *RealtimeSession) OnDisconnectCancel(path string) error {
	clean, err := writablePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.deferred {
		if w.path == clean {
			s.deferred = append(s.deferred[:i], s.deferred[i+1:]...)
			break
		}
	}
	return nil
}

// Deferred - количество взведенных записей
func (s *RealtimeSession) Deferred() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// Listen регистрирует подписку и сразу доставляет текущее значение.
// emit вызывается под блокировкой хаба и не должен блокироваться.
func (s *RealtimeSession) Listen(ctx context.Context, path string, emit func(realtime.Value)) (uint64, error) {
	clean, err := writablePath(path)
	if err != nil {
		return 0, err
	}
	h := s.hub

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	l := &valueListener{session: s.id, path: clean, emit: emit}
	h.listeners[id] = l
	h.mu.Unlock()

	data, err := h.repo.Read(ctx, clean)
	if err != nil {
		s.Unlisten(id)
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// если Run уже доставил значение, оно не старше прочитанного здесь
	if _, ok := h.listeners[id]; ok && l.last == nil {
		l.last = data
		l.emit(realtime.Value{Path: clean, Data: data})
	}
	return id, nil
}

func (s *RealtimeSession) Unlisten(id uint64) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.listeners[id]; ok && l.session == s.id {
		delete(h.listeners, id)
	}
}

// Close снимает подписки и применяет очередь отложенных записей.
// Вызывается при любом закрытии сокета: ошибка чтения, таймаут, выход клиента.
func (s *RealtimeSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	h := s.hub
	h.mu.Lock()
	for id, l := range h.listeners {
		if l.session == s.id {
			delete(h.listeners, id)
		}
	}
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.metrics.RealtimeSessions.Dec()

	for _, w := range deferred {
		if err := h.write(ctx, w.path, w.value, "deferred"); err != nil {
			h.log.Error("Failed to apply on-disconnect write", "error", err, "path", w.path, "user_id", s.userID)
			continue
		}
		h.log.Debug("On-disconnect write applied", "path", w.path, "user_id", s.userID)
	}
}

func writablePath(path string) (string, error) {
	clean, err := realtime.Clean(path)
	if err != nil {
		return "", err
	}
	if clean == realtime.ConnectedPath {
		return "", fmt.Errorf("%w: %s is answered by the client", apperrors.ErrInvalidArgument, realtime.ConnectedPath)
	}
	return clean, nil
}
