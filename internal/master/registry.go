package master

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// WorkerRegistry tracks the remote workers that completed their handshake.
type WorkerRegistry struct {
	workers map[string]*types.WorkerInfo

	// Event subscribers
	subscribers []chan *types.WorkerEvent
	subMu       sync.RWMutex

	mu sync.RWMutex
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*types.WorkerInfo),
	}
}

// Register adds a worker.
func (r *WorkerRegistry) Register(w *types.WorkerInfo) error {
	if w == nil {
		return fmt.Errorf("worker cannot be nil")
	}
	if w.ID == "" {
		return fmt.Errorf("worker ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("worker already registered: %s", w.ID)
	}
	if w.ConnectedAt.IsZero() {
		w.ConnectedAt = time.Now()
	}
	r.workers[w.ID] = w

	r.notifyEvent(&types.WorkerEvent{Type: types.WorkerEventJoined, Worker: w, Timestamp: time.Now()})
	return nil
}

// Unregister removes a worker.
func (r *WorkerRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[id]
	if !exists {
		return fmt.Errorf("worker not found: %s", id)
	}
	delete(r.workers, id)

	r.notifyEvent(&types.WorkerEvent{Type: types.WorkerEventLeft, Worker: w, Timestamp: time.Now()})
	return nil
}

// Get returns one worker.
func (r *WorkerRegistry) Get(id string) (*types.WorkerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[id]
	if !exists {
		return nil, fmt.Errorf("worker not found: %s", id)
	}
	return w, nil
}

// List returns all workers ordered by connection time.
func (r *WorkerRegistry) List() []*types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Count returns the number of registered workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Watch streams registry events until ctx is done. Slow readers miss events.
func (r *WorkerRegistry) Watch(ctx context.Context) <-chan *types.WorkerEvent {
	ch := make(chan *types.WorkerEvent, 100)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()

	return ch
}

func (r *WorkerRegistry) notifyEvent(event *types.WorkerEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

func (r *WorkerRegistry) removeSubscriber(ch chan *types.WorkerEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}
