// Package serial доставляет колбэки строго по очереди, как однопоточный цикл событий.
package serial

import "sync"

// Queue - FIFO очередь колбэков. Drain, вызванный повторно изнутри колбэка
// или из другой горутины во время доставки, только оставляет события в очереди:
// их доставит уже работающий цикл.
type Queue struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (q *Queue) Push(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
}

func (q *Queue) Drain() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.queue) > 0 {
		fn := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		fn()
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}
