package coordinator

import "sync"

// KeyedQueue chains tasks submitted under the same key into a FIFO queue,
// so no two tasks for one key run concurrently while tasks under different
// keys run fully in parallel.
//
// This only serializes within one process. Cross-process mutual exclusion
// relies on the store's CAS-guarded lock acquisition.
type KeyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedQueue creates an empty queue map.
func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{tails: make(map[string]chan struct{})}
}

// Run blocks until every task previously submitted under key has finished,
// then runs fn and returns its error. The queue entry is removed once the
// last task for a key completes.
func (q *KeyedQueue) Run(key string, fn func() error) error {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	if prev != nil {
		<-prev
	}

	defer func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	return fn()
}
