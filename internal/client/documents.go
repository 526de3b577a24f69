package client

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"lab_collab/internal/store"
	"lab_collab/internal/wire"
)

// DocumentStore - store.DocumentStore поверх labd. Записи идут через REST и
// подтверждаются сервером (локального эха нет, HasPendingWrites всегда false).
// Живые запросы мультиплексируются в одном /ws/documents.
type DocumentStore struct {
	c    *Client
	sock *socket

	mu      sync.Mutex
	listens map[string]*docListener
}

type docListener struct {
	id      string
	q       store.Query
	view    *store.View
	gen     uint64
	synced  bool
	started bool
	onNext  func(store.Snapshot)
	onError func(error)
	closed  atomic.Bool
}

var _ store.DocumentStore = (*DocumentStore)(nil)

func newDocumentStore(c *Client) *DocumentStore {
	d := &DocumentStore{c: c, listens: make(map[string]*docListener)}
	d.sock = newSocket(c, "/ws/documents")
	d.sock.onConnect = d.resubscribe
	d.sock.onFrame = d.handle
	return d
}

func documentPath(collection string, id ...string) string {
	p := "/api/v1/documents/" + url.PathEscape(collection)
	for _, part := range id {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (d *DocumentStore) Add(ctx context.Context, collection string, fields store.Fields) (string, error) {
	var resp wire.DocumentResponse
	if err := d.c.do(ctx, http.MethodPost, documentPath(collection), wire.AddRequest{Fields: fields}, &resp); err != nil {
		return "", err
	}
	return resp.Document.ID, nil
}

func (d *DocumentStore) Set(ctx context.Context, collection, id string, fields store.Fields, merge bool) error {
	return d.c.do(ctx, http.MethodPut, documentPath(collection, id), wire.SetRequest{Fields: fields, Merge: merge}, nil)
}

func (d *DocumentStore) Update(ctx context.Context, collection, id string, patch store.Fields) error {
	return d.c.do(ctx, http.MethodPatch, documentPath(collection, id), wire.UpdateRequest{Patch: patch}, nil)
}

func (d *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	return d.c.do(ctx, http.MethodDelete, documentPath(collection, id), nil, nil)
}

func (d *DocumentStore) Get(ctx context.Context, collection, id string) (store.Document, error) {
	var resp wire.DocumentResponse
	if err := d.c.do(ctx, http.MethodGet, documentPath(collection, id), nil, &resp); err != nil {
		return store.Document{}, err
	}
	return resp.Document, nil
}

func (d *DocumentStore) Fetch(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	var resp wire.QueryResponse
	if err := d.c.do(ctx, http.MethodPost, documentPath(q.Collection, "query"), q, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Listen регистрирует живой запрос. Сокет открывается при первой подписке;
// после переподключения подписки восстанавливаются, а слушатель получает
// только разницу с тем, что уже видел.
func (d *DocumentStore) Listen(q store.Query, onNext func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	l := &docListener{
		id:      d.sock.nextID(),
		q:       q,
		view:    store.NewView(q),
		onNext:  onNext,
		onError: onError,
	}

	d.mu.Lock()
	d.listens[l.id] = l
	if gen, ok := d.sock.generation(); ok {
		d.sendListen(l, gen)
	}
	d.mu.Unlock()
	d.sock.start()

	return store.SubscriptionFunc(func() { d.unlisten(l) }), nil
}

// sendListen вызывается под d.mu
func (d *DocumentStore) sendListen(l *docListener, gen uint64) {
	q := l.q
	l.gen = gen
	l.synced = false
	if err := d.sock.send(wire.Frame{Type: wire.TypeListen, ID: l.id, Query: &q}); err != nil {
		d.c.log.Debug("Failed to send listen", "error", err, "listen_id", l.id)
	}
}

func (d *DocumentStore) unlisten(l *docListener) {
	if l.closed.Swap(true) {
		return
	}
	d.mu.Lock()
	delete(d.listens, l.id)
	d.mu.Unlock()
	if d.sock.connected() {
		_ = d.sock.send(wire.Frame{Type: wire.TypeUnlisten, ID: l.id})
	}
}

func (d *DocumentStore) resubscribe() {
	gen, ok := d.sock.generation()
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.listens {
		if l.gen != gen {
			d.sendListen(l, gen)
		}
	}
}

func (d *DocumentStore) handle(f wire.Frame) {
	d.mu.Lock()
	l, ok := d.listens[f.ID]
	if !ok {
		d.mu.Unlock()
		return
	}

	switch f.Type {
	case wire.TypeSnapshot:
		if f.Snapshot == nil {
			d.mu.Unlock()
			return
		}
		snap, deliver := l.absorb(*f.Snapshot)
		d.mu.Unlock()
		if deliver {
			d.c.deliver(func() {
				if !l.closed.Load() {
					l.onNext(snap)
				}
			})
		}

	case wire.TypeError:
		delete(d.listens, l.id)
		d.mu.Unlock()
		err := f.Error.Err()
		d.c.log.Warn("Live query failed", "error", err, "collection", l.q.Collection)
		d.c.deliver(func() {
			if !l.closed.Swap(true) && l.onError != nil {
				l.onError(err)
			}
		})

	default:
		d.mu.Unlock()
	}
}

// absorb переводит снимок сервера в снимок для слушателя. Первый снимок
// нового подключения сверяется с тем, что слушатель уже видел.
func (l *docListener) absorb(snap store.Snapshot) (store.Snapshot, bool) {
	snap.HasPendingWrites = false
	if !l.synced {
		l.synced = true
		if !l.started {
			l.started = true
			l.view.Reset(snap.Docs)
			return snap, true
		}
		changes := l.view.Resync(snap.Docs)
		if len(changes) == 0 {
			return store.Snapshot{}, false
		}
		return l.view.Snapshot(changes, false), true
	}

	for _, ch := range snap.Changes {
		l.view.Apply(store.Mutation{Deleted: ch.Kind == store.ChangeRemoved, Doc: ch.Doc})
	}
	return snap, true
}

func (d *DocumentStore) close() {
	d.sock.close()
}
