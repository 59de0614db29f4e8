package registry

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/taskcore/types"
)

var (
	// ErrDuplicateRegistration is returned by Add for an id that is already registered.
	ErrDuplicateRegistration = errors.New("task already registered")
	// ErrInvalidRecord is returned by Add for a record without id or task.
	ErrInvalidRecord = errors.New("invalid registry record")
)

// ManagedTask is the control capability the sweep drives.
// *statemachine.Machine satisfies it.
type ManagedTask interface {
	TaskID() string
	ControlState() string
	RequestPause(ctx context.Context) (bool, error)
	RequestStop(ctx context.Context, reason string) (bool, error)
}

// Entry pairs a record with its managed task.
type Entry struct {
	Record types.Task
	Task   ManagedTask
}

// Registry 活跃任务注册表，并发安全
type Registry struct {
	mu       sync.RWMutex
	index    map[string]*list.Element
	order    *list.List
	observer Observer
}

// New creates an empty registry. observer may be nil.
func New(observer Observer) *Registry {
	return &Registry{
		index:    make(map[string]*list.Element),
		order:    list.New(),
		observer: observer,
	}
}

// Add registers a task. A duplicate id is rejected before any state changes.
func (r *Registry) Add(record types.Task, task ManagedTask) error {
	if record.ID == "" || task == nil {
		return ErrInvalidRecord
	}

	r.mu.Lock()
	if _, ok := r.index[record.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, record.ID)
	}
	r.index[record.ID] = r.order.PushBack(&Entry{Record: record, Task: task})
	n := len(r.index)
	r.mu.Unlock()

	r.report(n)
	return nil
}

// Remove deregisters id and reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	el, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.index, id)
	r.order.Remove(el)
	n := len(r.index)
	r.mu.Unlock()

	r.report(n)
	return true
}

// Get returns the record for id.
func (r *Registry) Get(id string) (types.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	el, ok := r.index[id]
	if !ok {
		return types.Task{}, false
	}
	return el.Value.(*Entry).Record, true
}

// Task returns the managed task registered under id.
func (r *Registry) Task(id string) (ManagedTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	el, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*Entry).Task, true
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// OrderedRecords returns a snapshot of all records, oldest registration first.
func (r *Registry) OrderedRecords() []types.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Task, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry).Record)
	}
	return out
}

// Entries returns a snapshot of records with their tasks, oldest first.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Entry))
	}
	return out
}

// Clear removes every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.index = make(map[string]*list.Element)
	r.order.Init()
	r.mu.Unlock()

	r.report(0)
}

func (r *Registry) report(n int) {
	if r.observer != nil {
		r.observer.SetActiveTasks(n)
	}
}
