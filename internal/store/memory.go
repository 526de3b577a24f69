package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"lab_collab/internal/serial"
	apperrors "lab_collab/pkg/errors"
)

// Memory - in-memory хранилище с семантикой живых запросов.
// Каждый клиент (MemoryClient) видит свои записи сначала как локальное эхо
// (HasPendingWrites=true, ServerTimestamp=null), затем как подтвержденные.
// Колбэки доставляются последовательно в порядке событий.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	docs      map[string]map[string]Document
	listeners map[uint64]*memListener
	nextID    uint64
	failNext  map[string]error
	writes    []WriteRecord

	dispatch serial.Queue
}

// WriteRecord - журнал записей (для проверок в тестах)
type WriteRecord struct {
	Client     string
	Op         string
	Collection string
	ID         string
	Fields     Fields
}

type memListener struct {
	id      uint64
	owner   *MemoryClient
	view    *View
	onNext  func(Snapshot)
	onError func(error)
	closed  atomic.Bool
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:     clk,
		docs:      make(map[string]map[string]Document),
		listeners: make(map[uint64]*memListener),
		failNext:  make(map[string]error),
	}
}

// Client возвращает хэндл клиента с отдельным локальным эхом
func (m *Memory) Client(name string) *MemoryClient {
	return &MemoryClient{m: m, name: name}
}

// FailNext заставляет следующую операцию op ("add", "set", "update", "delete") вернуть err
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// FailListeners отправляет ошибку подпискам, чей запрос подходит под pred, и закрывает их
func (m *Memory) FailListeners(pred func(Query) bool, err error) int {
	m.mu.Lock()
	var failed []*memListener
	for id, l := range m.listeners {
		if pred(l.view.Query()) {
			failed = append(failed, l)
			delete(m.listeners, id)
		}
	}
	m.mu.Unlock()

	for _, l := range failed {
		l := l
		m.dispatch.Push(func() {
			if l.closed.CompareAndSwap(false, true) && l.onError != nil {
				l.onError(err)
			}
		})
	}
	m.dispatch.Drain()
	return len(failed)
}

// Writes возвращает копию журнала записей
func (m *Memory) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteRecord, len(m.writes))
	copy(out, m.writes)
	return out
}

// ListenerCount - количество активных подписок
func (m *Memory) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *Memory) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

type computeFunc func(existing Document, had bool, now *time.Time) (Fields, bool, error)

// write выполняет запись: локальное эхо для подписок автора, затем коммит для всех
func (m *Memory) write(c *MemoryClient, op, collection, id string, patch Fields, compute computeFunc) error {
	if err := ValidateCollection(collection); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.takeFailure(op); err != nil {
		m.mu.Unlock()
		return err
	}

	coll := m.docs[collection]
	if coll == nil {
		coll = make(map[string]Document)
		m.docs[collection] = coll
	}
	existing, had := coll[id]

	now := m.clock.Now()
	pendingFields, pendingDeleted, err := compute(existing, had, nil)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	committedFields, deleted, err := compute(existing, had, &now)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	base := Document{ID: id, Collection: collection, CreateTime: now, UpdateTime: now}
	if had {
		base.CreateTime = existing.CreateTime
	}

	pending := base
	pending.Fields = pendingFields
	committed := base
	committed.Fields = committedFields

	if deleted {
		delete(coll, id)
	} else {
		coll[id] = committed
	}
	m.writes = append(m.writes, WriteRecord{Client: c.name, Op: op, Collection: collection, ID: id, Fields: CloneFields(patch)})

	for _, l := range m.listeners {
		if l.owner != c {
			continue
		}
		if ch, ok := l.view.Apply(Mutation{Deleted: pendingDeleted, Doc: pending}); ok {
			m.enqueue(l, l.view.Snapshot([]Change{ch}, true))
		}
	}
	for _, l := range m.listeners {
		if ch, ok := l.view.Apply(Mutation{Deleted: deleted, Doc: committed}); ok {
			m.enqueue(l, l.view.Snapshot([]Change{ch}, false))
		}
	}
	m.mu.Unlock()

	m.dispatch.Drain()
	return nil
}

func (m *Memory) enqueue(l *memListener, snap Snapshot) {
	m.dispatch.Push(func() {
		if !l.closed.Load() {
			l.onNext(snap)
		}
	})
}

// MemoryClient - хэндл одного клиента, реализует DocumentStore
type MemoryClient struct {
	m    *Memory
	name string
}

var _ DocumentStore = (*MemoryClient)(nil)

func (c *MemoryClient) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	err := c.m.write(c, "add", collection, id, fields, func(_ Document, _ bool, now *time.Time) (Fields, bool, error) {
		f, err := Prepare(fields, now)
		return f, false, err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *MemoryClient) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	if id == "" {
		return fmt.Errorf("%w: empty document id", apperrors.ErrInvalidArgument)
	}
	return c.m.write(c, "set", collection, id, fields, func(existing Document, had bool, now *time.Time) (Fields, bool, error) {
		if merge && had {
			f, err := Merge(existing.Fields, fields, now)
			return f, false, err
		}
		f, err := Prepare(fields, now)
		return f, false, err
	})
}

func (c *MemoryClient) Update(ctx context.Context, collection, id string, patch Fields) error {
	return c.m.write(c, "update", collection, id, patch, func(existing Document, had bool, now *time.Time) (Fields, bool, error) {
		if !had {
			return nil, false, fmt.Errorf("%w: %s/%s", apperrors.ErrDocumentNotFound, collection, id)
		}
		f, err := ApplyUpdate(existing.Fields, patch, now)
		return f, false, err
	})
}

func (c *MemoryClient) Delete(ctx context.Context, collection, id string) error {
	return c.m.write(c, "delete", collection, id, nil, func(existing Document, _ bool, _ *time.Time) (Fields, bool, error) {
		return existing.Fields, true, nil
	})
}

func (c *MemoryClient) Get(ctx context.Context, collection, id string) (Document, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	d, ok := c.m.docs[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s/%s", apperrors.ErrDocumentNotFound, collection, id)
	}
	return d, nil
}

func (c *MemoryClient) Fetch(ctx context.Context, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q = q.Normalized()

	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	all := make([]Document, 0, len(c.m.docs[q.Collection]))
	for _, d := range c.m.docs[q.Collection] {
		all = append(all, d)
	}
	return q.Apply(all), nil
}

func (c *MemoryClient) Listen(q Query, onNext func(Snapshot), onError func(error)) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m := c.m
	m.mu.Lock()
	m.nextID++
	l := &memListener{id: m.nextID, owner: c, view: NewView(q), onNext: onNext, onError: onError}
	docs := make([]Document, 0, len(m.docs[q.Collection]))
	for _, d := range m.docs[q.Collection] {
		docs = append(docs, d)
	}
	l.view.Reset(docs)
	m.listeners[l.id] = l
	m.enqueue(l, l.view.Initial())
	m.mu.Unlock()

	m.dispatch.Drain()

	return SubscriptionFunc(func() {
		l.closed.Store(true)
		m.mu.Lock()
		delete(m.listeners, l.id)
		m.mu.Unlock()
	}), nil
}
