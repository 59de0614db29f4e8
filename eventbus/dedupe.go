package eventbus

import (
	"container/list"
	"context"
	"sync"
)

// Deduper remembers recently seen event ids so consumers stay idempotent
// under at-least-once delivery. The oldest id is evicted past capacity.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	seen     map[string]*list.Element
}

// NewDeduper creates a deduper holding up to capacity ids.
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Deduper{
		capacity: capacity,
		order:    list.New(),
		seen:     make(map[string]*list.Element, capacity),
	}
}

// Seen records id and reports whether it had been recorded before.
func (d *Deduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = d.order.PushBack(id)
	if d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}

// Len returns the number of remembered ids.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Idempotent wraps h so duplicate deliveries of the same event id are dropped.
// A failed delivery is forgotten so the redelivery can be processed.
func Idempotent(d *Deduper, h Handler) Handler {
	return func(ctx context.Context, event Event) error {
		if d.Seen(event.ID) {
			return nil
		}
		if err := h(ctx, event); err != nil {
			d.forget(event.ID)
			return err
		}
		return nil
	}
}

func (d *Deduper) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[id]; ok {
		d.order.Remove(el)
		delete(d.seen, id)
	}
}
