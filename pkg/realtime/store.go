package realtime

import (
	"slices"
	"sync"
)

// Store is the in-memory list of entities of one type, keyed by id.
//
// Without an ordering, inserts are prepended so the list reads most recent
// first. With an ordering, inserts land at their sorted position and bulk
// loads are sorted. Updates never move an entity.
type Store[T any] struct {
	mu    sync.RWMutex
	id    func(T) string
	less  func(a, b T) bool
	items []T
	index map[string]int
}

// NewStore builds an empty store. less may be nil.
func NewStore[T any](id func(T) string, less func(a, b T) bool) *Store[T] {
	return &Store[T]{
		id:    id,
		less:  less,
		index: make(map[string]int),
	}
}

// Insert adds entity unless its id is already present. It reports whether
// the store changed.
func (s *Store[T]) Insert(entity T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[s.id(entity)]; ok {
		return false
	}

	pos := 0
	if s.less != nil {
		pos = len(s.items)
		for i, existing := range s.items {
			if s.less(entity, existing) {
				pos = i
				break
			}
		}
	}
	s.items = slices.Insert(s.items, pos, entity)
	s.reindex()
	return true
}

// Update replaces the entity with the same id in place. Unknown ids are
// dropped.
func (s *Store[T]) Update(entity T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[s.id(entity)]
	if !ok {
		return false
	}
	s.items[i] = entity
	return true
}

// Delete removes id if present.
func (s *Store[T]) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.items = slices.Delete(s.items, i, i+1)
	s.reindex()
	return true
}

// Load replaces the whole content with snapshot. Later duplicates of an id
// inside the snapshot are ignored.
func (s *Store[T]) Load(snapshot []T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]T, 0, len(snapshot))
	seen := make(map[string]struct{}, len(snapshot))
	for _, entity := range snapshot {
		id := s.id(entity)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		items = append(items, entity)
	}
	if s.less != nil {
		slices.SortStableFunc(items, func(a, b T) int {
			switch {
			case s.less(a, b):
				return -1
			case s.less(b, a):
				return 1
			}
			return 0
		})
	}
	s.items = items
	s.reindex()
}

// Reset empties the store.
func (s *Store[T]) Reset() {
	s.Load(nil)
}

// Get returns the entity stored under id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.items[i], true
}

// Items returns a copy of the current content in exposed order.
func (s *Store[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store[T]) reindex() {
	clear(s.index)
	for i, entity := range s.items {
		s.index[s.id(entity)] = i
	}
}
