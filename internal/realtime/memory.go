package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"lab_collab/internal/serial"
	"lab_collab/internal/store"
	apperrors "lab_collab/pkg/errors"
)

// Memory - in-memory сервер присутствия. Каждое соединение (MemoryConn)
// держит свою очередь отложенных записей; Drop имитирует жесткий обрыв.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	entries   map[string]json.RawMessage
	listeners map[uint64]*memListener
	nextID    uint64
	writes    []Write

	dispatch serial.Queue
}

// Write - журнал примененных записей
type Write struct {
	Conn     string
	Path     string
	Data     json.RawMessage
	Deferred bool
}

type memListener struct {
	id      uint64
	path    string
	conn    *MemoryConn // только для .info/connected
	last    json.RawMessage
	onValue func(Value)
	onError func(error)
	closed  atomic.Bool
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:     clk,
		entries:   make(map[string]json.RawMessage),
		listeners: make(map[uint64]*memListener),
	}
}

// Connect открывает новое живое соединение
func (m *Memory) Connect(name string) *MemoryConn {
	return &MemoryConn{m: m, name: name, connected: true}
}

func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *Memory) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Value - текущее значение пути (для проверок)
func (m *Memory) Value(path string) Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Value{Path: path, Data: Assemble(path, m.entries)}
}

// apply вызывается под m.mu
func (m *Memory) apply(conn, path string, data json.RawMessage, deferred bool) error {
	existing := make([]string, 0, len(m.entries))
	for k := range m.entries {
		existing = append(existing, k)
	}
	patch, err := Plan(existing, path, data)
	if err != nil {
		return err
	}
	patch.ApplyTo(m.entries)
	m.writes = append(m.writes, Write{Conn: conn, Path: path, Data: data, Deferred: deferred})

	for _, l := range m.sortedListeners() {
		if l.conn != nil || !Affects(l.path, path) {
			continue
		}
		m.emit(l, Assemble(l.path, m.entries))
	}
	return nil
}

func (m *Memory) sortedListeners() []*memListener {
	out := make([]*memListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// emit ставит значение в очередь, если оно отличается от последнего доставленного
func (m *Memory) emit(l *memListener, data json.RawMessage) {
	if l.last != nil && bytes.Equal(l.last, data) {
		return
	}
	l.last = data
	v := Value{Path: l.path, Data: data}
	m.dispatch.Push(func() {
		if !l.closed.Load() {
			l.onValue(v)
		}
	})
}

type deferredWrite struct {
	path  string
	value interface{}
}

// MemoryConn - одно соединение клиента, реализует Store
type MemoryConn struct {
	m         *Memory
	name      string
	connected bool
	deferred  []deferredWrite
}

var _ Store = (*MemoryConn)(nil)

// Drop - обрыв без корректного выхода: сервер применяет отложенные записи,
// клиент видит .info/connected=false
func (c *MemoryConn) Drop() {
	m := c.m
	m.mu.Lock()
	if !c.connected {
		m.mu.Unlock()
		return
	}
	c.connected = false
	pending := c.deferred
	c.deferred = nil
	for _, w := range pending {
		data, err := Encode(w.value, m.clock.Now())
		if err != nil {
			continue
		}
		_ = m.apply(c.name, w.path, data, true)
	}
	c.emitConnected()
	m.mu.Unlock()
	m.dispatch.Drain()
}

func (c *MemoryConn) Reconnect() {
	m := c.m
	m.mu.Lock()
	if c.connected {
		m.mu.Unlock()
		return
	}
	c.connected = true
	c.emitConnected()
	m.mu.Unlock()
	m.dispatch.Drain()
}

// Deferred - количество взведенных отложенных записей
func (c *MemoryConn) Deferred() int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return len(c.deferred)
}

func (c *MemoryConn) emitConnected() {
	data := json.RawMessage("false")
	if c.connected {
		data = json.RawMessage("true")
	}
	for _, l := range c.m.sortedListeners() {
		if l.conn == c {
			c.m.emit(l, data)
		}
	}
}

func (c *MemoryConn) Set(ctx context.Context, path string, value interface{}) error {
	clean, err := Clean(path)
	if err != nil {
		return err
	}
	if clean == ConnectedPath {
		return fmt.Errorf("%w: %s is read-only", apperrors.ErrInvalidArgument, ConnectedPath)
	}
	m := c.m
	m.mu.Lock()
	if !c.connected {
		m.mu.Unlock()
		return fmt.Errorf("%w: not connected", apperrors.ErrUnavailable)
	}
	data, err := Encode(value, m.clock.Now())
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	err = m.apply(c.name, clean, data, false)
	m.mu.Unlock()
	m.dispatch.Drain()
	return err
}

func (c *MemoryConn) OnDisconnect(path string) OnDisconnect {
	return &memOnDisconnect{c: c, path: path}
}

func (c *MemoryConn) Listen(path string, onValue func(Value), onError func(error)) (store.Subscription, error) {
	clean, err := Clean(path)
	if err != nil {
		return nil, err
	}
	m := c.m
	m.mu.Lock()
	m.nextID++
	l := &memListener{id: m.nextID, path: clean, onValue: onValue, onError: onError}
	m.listeners[l.id] = l
	if clean == ConnectedPath {
		l.conn = c
		c.emitConnected()
	} else {
		m.emit(l, Assemble(clean, m.entries))
	}
	m.mu.Unlock()
	m.dispatch.Drain()

	return store.SubscriptionFunc(func() {
		l.closed.Store(true)
		m.mu.Lock()
		delete(m.listeners, l.id)
		m.mu.Unlock()
	}), nil
}

type memOnDisconnect struct {
	c    *MemoryConn
	path string
}

func (o *memOnDisconnect) Set(ctx context.Context, value interface{}) error {
	clean, err := Clean(o.path)
	if err != nil {
		return err
	}
	m := o.c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !o.c.connected {
		return fmt.Errorf("%w: not connected", apperrors.ErrUnavailable)
	}
	// ServerTimestamp разрешается в момент применения
	if _, err := Encode(value, m.clock.Now()); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	o.c.deferred = removeDeferred(o.c.deferred, clean)
	o.c.deferred = append(o.c.deferred, deferredWrite{path: clean, value: value})
	return nil
}

func (o *memOnDisconnect) Cancel(ctx context.Context) error {
	clean, err := Clean(o.path)
	if err != nil {
		return err
	}
	m := o.c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	o.c.deferred = removeDeferred(o.c.deferred, clean)
	return nil
}

func removeDeferred(list []deferredWrite, path string) []deferredWrite {
	out := list[:0]
	for _, w := range list {
		if w.path != path {
			out = append(out, w)
		}
	}
	return out
}
