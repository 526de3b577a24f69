package service

import (
	"context"
	"sync"

	"lab_collab/internal/store"
	"lab_collab/pkg/logger"
)

// Fetcher читает текущее состояние запроса
type Fetcher func(ctx context.Context, q store.Query) ([]store.Document, error)

// LiveQueryHub держит живые запросы экземпляра и раздает им мутации из ленты.
// Мутации, пришедшие во время начальной выборки, буферизуются и применяются
// после нее, поэтому запись между выборкой и регистрацией не теряется.
type LiveQueryHub struct {
	fetch   Fetcher
	metrics *Metrics
	log     logger.Logger

	mu      sync.Mutex
	nextID  uint64
	queries map[uint64]*liveQuery
}

type liveQuery struct {
	view   *store.View
	emit   func(store.Snapshot)
	ready  bool
	buffer []store.Mutation
}

func NewLiveQueryHub(fetch Fetcher, metrics *Metrics, log logger.Logger) *LiveQueryHub {
	return &LiveQueryHub{
		fetch:   fetch,
		metrics: metrics,
		log:     log,
		queries: make(map[uint64]*liveQuery),
	}
}

// Register открывает живой запрос: emit сразу получает начальный снимок
// (каждый документ как added), затем снимок на каждое изменение.
// emit вызывается под блокировкой хаба и не должен блокироваться.
func (h *LiveQueryHub) Register(ctx context.Context, q store.Query, emit func(store.Snapshot)) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	lq := &liveQuery{view: store.NewView(q), emit: emit}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.queries[id] = lq
	h.mu.Unlock()
	h.metrics.LiveQueries.Inc()

	cancel := func() {
		h.mu.Lock()
		_, ok := h.queries[id]
		delete(h.queries, id)
		h.mu.Unlock()
		if ok {
			h.metrics.LiveQueries.Dec()
		}
	}

	// без лимита: при удалении документа из окна на его место встает следующий
	docs, err := h.fetch(ctx, lq.view.Query().WithLimit(0))
	if err != nil {
		cancel()
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.queries[id]; !ok {
		return cancel, nil
	}
	lq.view.Reset(docs)
	for _, m := range lq.buffer {
		lq.view.Apply(m)
	}
	lq.buffer = nil
	lq.ready = true
	lq.emit(lq.view.Initial())
	h.metrics.SnapshotsSent.Inc()

	return cancel, nil
}

// Publish применяет мутацию ко всем запросам экземпляра
func (h *LiveQueryHub) Publish(m store.Mutation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, lq := range h.queries {
		if m.Doc.Collection != lq.view.Query().Collection {
			continue
		}
		if !lq.ready {
			lq.buffer = append(lq.buffer, m)
			continue
		}
		if ch, ok := lq.view.Apply(m); ok {
			lq.emit(lq.view.Snapshot([]store.Change{ch}, false))
			h.metrics.SnapshotsSent.Inc()
		}
	}
}

// Run читает ленту до ее закрытия
func (h *LiveQueryHub) Run(ctx context.Context, feed <-chan store.Mutation) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-feed:
			if !ok {
				h.log.Warn("Change feed closed")
				return
			}
			h.Publish(m)
		}
	}
}

func (h *LiveQueryHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queries)
}
