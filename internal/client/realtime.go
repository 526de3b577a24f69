package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"lab_collab/internal/realtime"
	"lab_collab/internal/store"
	"lab_collab/internal/wire"
	apperrors "lab_collab/pkg/errors"
)

// RealtimeStore - realtime.Store поверх /ws/realtime. Соединение и есть
// сессия присутствия: когда оно рвется, сервер применяет взведенные
// on-disconnect записи. .info/connected отвечает сам клиент.
type RealtimeStore struct {
	c    *Client
	sock *socket

	mu      sync.Mutex
	listens map[string]*valueListener
}

type valueListener struct {
	id      string
	path    string
	local   bool // .info/connected
	gen     uint64
	last    json.RawMessage
	onValue func(realtime.Value)
	onError func(error)
	closed  atomic.Bool
}

var _ realtime.Store = (*RealtimeStore)(nil)

var (
	valueTrue  = json.RawMessage("true")
	valueFalse = json.RawMessage("false")
	valueNull  = json.RawMessage("null")
)

func newRealtimeStore(c *Client) *RealtimeStore {
	r := &RealtimeStore{c: c, listens: make(map[string]*valueListener)}
	r.sock = newSocket(c, "/ws/realtime")
	r.sock.onConnect = r.connected
	r.sock.onDisconnect = r.disconnected
	r.sock.onFrame = r.handle
	return r
}

// Connect открывает соединение заранее, не дожидаясь первой подписки
func (r *RealtimeStore) Connect() {
	r.sock.start()
}

func (r *RealtimeStore) Set(ctx context.Context, path string, value interface{}) error {
	clean, err := realtime.Clean(path)
	if err != nil {
		return err
	}
	if clean == realtime.ConnectedPath {
		return fmt.Errorf("%w: %s is read-only", apperrors.ErrInvalidArgument, realtime.ConnectedPath)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	r.sock.start()
	return r.sock.call(ctx, wire.Frame{Type: wire.TypeSet, Path: clean, Value: raw})
}

func (r *RealtimeStore) OnDisconnect(path string) realtime.OnDisconnect {
	return &remoteOnDisconnect{r: r, path: path}
}

func (r *RealtimeStore) Listen(path string, onValue func(realtime.Value), onError func(error)) (store.Subscription, error) {
	clean, err := realtime.Clean(path)
	if err != nil {
		return nil, err
	}
	l := &valueListener{
		id:      r.sock.nextID(),
		path:    clean,
		local:   clean == realtime.ConnectedPath,
		onValue: onValue,
		onError: onError,
	}

	r.mu.Lock()
	r.listens[l.id] = l
	gen, ok := r.sock.generation()
	switch {
	case l.local:
		state := valueFalse
		if ok {
			state = valueTrue
		}
		r.emit(l, state)
	case ok:
		r.sendListen(l, gen)
	}
	r.mu.Unlock()
	r.sock.start()

	return store.SubscriptionFunc(func() { r.unlisten(l) }), nil
}

// sendListen и emit вызываются под r.mu
func (r *RealtimeStore) sendListen(l *valueListener, gen uint64) {
	l.gen = gen
	if err := r.sock.send(wire.Frame{Type: wire.TypeListen, ID: l.id, Path: l.path}); err != nil {
		r.c.log.Debug("Failed to send listen", "error", err, "path", l.path)
	}
}

func (r *RealtimeStore) emit(l *valueListener, data json.RawMessage) {
	if len(data) == 0 {
		data = valueNull
	}
	if l.last != nil && bytes.Equal(l.last, data) {
		return
	}
	l.last = data
	v := realtime.Value{Path: l.path, Data: data}
	r.c.deliver(func() {
		if !l.closed.Load() {
			l.onValue(v)
		}
	})
}

func (r *RealtimeStore) unlisten(l *valueListener) {
	if l.closed.Swap(true) {
		return
	}
	r.mu.Lock()
	delete(r.listens, l.id)
	r.mu.Unlock()
	if !l.local && r.sock.connected() {
		_ = r.sock.send(wire.Frame{Type: wire.TypeUnlisten, ID: l.id})
	}
}

func (r *RealtimeStore) connected() {
	gen, ok := r.sock.generation()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listens {
		switch {
		case l.local:
			r.emit(l, valueTrue)
		case l.gen != gen:
			r.sendListen(l, gen)
		}
	}
}

func (r *RealtimeStore) disconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listens {
		if l.local {
			r.emit(l, valueFalse)
		}
	}
}

func (r *RealtimeStore) handle(f wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listens[f.ID]
	if !ok || l.local {
		return
	}

	switch f.Type {
	case wire.TypeValue:
		r.emit(l, f.Value)
	case wire.TypeError:
		delete(r.listens, l.id)
		err := f.Error.Err()
		r.c.log.Warn("Realtime listen failed", "error", err, "path", l.path)
		r.c.deliver(func() {
			if !l.closed.Swap(true) && l.onError != nil {
				l.onError(err)
			}
		})
	}
}

func (r *RealtimeStore) close() {
	r.sock.close()
}

type remoteOnDisconnect struct {
	r    *RealtimeStore
	path string
}

// Set взводит запись на сервере. ServerTimestamp в значении разрешается
// в момент применения, а не сейчас.
func (o *remoteOnDisconnect) Set(ctx context.Context, value interface{}) error {
	clean, err := realtime.Clean(o.path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	return o.r.sock.call(ctx, wire.Frame{Type: wire.TypeOnDisconnectSet, Path: clean, Value: raw})
}

func (o *remoteOnDisconnect) Cancel(ctx context.Context) error {
	clean, err := realtime.Clean(o.path)
	if err != nil {
		return err
	}
	return o.r.sock.call(ctx, wire.Frame{Type: wire.TypeOnDisconnectCancel, Path: clean})
}
