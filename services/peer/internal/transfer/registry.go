// Package transfer moves files between peers. LocalTransport speaks the
// framed TCP protocol, Manager owns task lifecycle and bookkeeping.
package transfer

import (
	"sort"
	"sync"

	"github.com/p2p-filesharing/peersend/pkg/protocol"
)

type entry struct {
	task      *protocol.TransferTask
	cancel    chan struct{}
	cancelled bool
}

// Registry holds every known task. Callers only ever see copies.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*entry)}
}

// Add registers task, replacing a previous entry with the same id (a resumed
// task reuses its id). The returned channel closes when Cancel is called.
func (r *Registry) Add(task *protocol.TransferTask) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{task: task.Clone(), cancel: make(chan struct{})}
	r.tasks[task.ID] = e
	return e.cancel
}

// Active reports whether id is registered and not yet terminal
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return ok && !e.task.IsTerminal()
}

// Get returns a copy of the task
func (r *Registry) Get(id string) (*protocol.TransferTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return e.task.Clone(), true
}

// List returns copies of all tasks, newest first
func (r *Registry) List() []*protocol.TransferTask {
	r.mu.RLock()
	out := make([]*protocol.TransferTask, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.task.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Update applies fn to the stored task under the lock and returns a copy of
// the result
func (r *Registry) Update(id string, fn func(*protocol.TransferTask)) (*protocol.TransferTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	fn(e.task)
	return e.task.Clone(), true
}

// Cancel signals the task's cancel channel. It returns false for unknown or
// already terminal tasks.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok || e.task.IsTerminal() {
		return false
	}
	if !e.cancelled {
		e.cancelled = true
		close(e.cancel)
	}
	return true
}

// Remove forgets a task
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

func (r *Registry) cancelled(id string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tasks[id]; ok {
		return e.cancel
	}
	return nil
}
