package resource

import (
	"sync"
)

// Table maps handles to resources with kind information and observer support.
// Safe for concurrent use.
type Table struct {
	store     *store
	observers []Observer
	obsMu     sync.RWMutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		store: newStore(),
	}
}

// Insert adds a value and returns its handle. It returns 0 once the table is closed.
func (t *Table) Insert(kind Kind, value any) Handle {
	h, err := t.store.create(kind, value)
	if err != nil {
		return 0
	}

	t.notify(Event{
		Type:   EventCreated,
		Handle: h,
		Kind:   kind,
		Value:  value,
	})

	return h
}

// Get retrieves a value by handle.
func (t *Table) Get(h Handle) (any, bool) {
	e, ok := t.store.lookup(h)
	if !ok {
		return nil, false
	}
	return e.value, true
}

// GetTyped retrieves a value only if it was inserted with the expected kind.
func (t *Table) GetTyped(h Handle, kind Kind) (any, bool) {
	e, ok := t.store.lookup(h)
	if !ok || e.kind != kind {
		return nil, false
	}
	return e.value, true
}

// Remove drops a resource and returns (value, true) if found.
// Values implementing Dropper have Drop called.
func (t *Table) Remove(h Handle) (any, bool) {
	e, ok := t.store.drop(h)
	if !ok {
		return nil, false
	}

	if d, ok := e.value.(Dropper); ok {
		d.Drop()
	}

	t.notify(Event{
		Type:   EventDropped,
		Handle: h,
		Kind:   e.kind,
		Value:  e.value,
	})

	return e.value, true
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of live resources.
func (t *Table) Len() int {
	return t.store.len()
}

// Each iterates over live resources until fn returns false.
func (t *Table) Each(fn func(Handle, Kind, any) bool) {
	t.store.each(func(h Handle, e entry) bool {
		return fn(h, e.kind, e.value)
	})
}

// Clear drops all resources.
func (t *Table) Clear() {
	// Collect handles first to avoid holding lock during Remove
	var handles []Handle
	t.Each(func(h Handle, _ Kind, _ any) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		t.Remove(h)
	}
}

// Close drops all resources and stops accepting inserts.
func (t *Table) Close() error {
	t.Clear()
	for _, e := range t.store.close() {
		if d, ok := e.value.(Dropper); ok {
			d.Drop()
		}
	}
	return nil
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
