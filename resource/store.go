package resource

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("resource store closed")

// store is an in-memory slot array with a free list.
type store struct {
	entries  []entry
	freeList []Handle
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value any
	kind  Kind
	valid bool
}

func newStore() *store {
	return &store{
		entries:  make([]entry, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

func (s *store) create(kind Kind, value any) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	e := entry{kind: kind, value: value, valid: true}

	if len(s.freeList) > 0 {
		h := s.freeList[len(s.freeList)-1]
		s.freeList = s.freeList[:len(s.freeList)-1]
		s.entries[h-1] = e
		return h, nil
	}

	s.entries = append(s.entries, e)
	return Handle(len(s.entries)), nil
}

func (s *store) lookup(h Handle) (entry, bool) {
	if h == 0 {
		return entry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := int(h) - 1
	if idx >= len(s.entries) || !s.entries[idx].valid {
		return entry{}, false
	}
	return s.entries[idx], true
}

func (s *store) drop(h Handle) (entry, bool) {
	if h == 0 {
		return entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := int(h) - 1
	if idx >= len(s.entries) || !s.entries[idx].valid {
		return entry{}, false
	}

	e := s.entries[idx]
	s.entries[idx] = entry{}
	s.freeList = append(s.freeList, h)
	return e, true
}

// close marks the store closed and returns every live entry.
func (s *store) close() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var live []entry
	for _, e := range s.entries {
		if e.valid {
			live = append(live, e)
		}
	}
	s.entries = nil
	s.freeList = nil
	return live
}

func (s *store) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.entries {
		if e.valid {
			count++
		}
	}
	return count
}

func (s *store) each(fn func(Handle, entry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, e := range s.entries {
		if e.valid {
			if !fn(Handle(i+1), e) {
				break
			}
		}
	}
}
