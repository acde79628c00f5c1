package requestlog

import (
	"strconv"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 1000

// MemoryStore is a Store backed by a fixed-size ring. When full, each new
// entry overwrites the oldest.
type MemoryStore struct {
	mu     sync.RWMutex
	ring   []*Entry
	head   int // index of the oldest entry
	n      int
	nextID int64
	now    func() time.Time
}

// NewMemoryStore creates a store holding up to capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{ring: make([]*Entry, capacity), now: time.Now}
}

// Log records entry, assigning a sequential ID and a timestamp when unset.
func (s *MemoryStore) Log(entry *Entry) {
	if entry == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		s.nextID++
		entry.ID = "req-" + strconv.FormatInt(s.nextID, 10)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if s.n < len(s.ring) {
		s.ring[s.slot(s.n)] = entry
		s.n++
		return
	}
	s.ring[s.head] = entry
	s.head = s.slot(1)
}

func (s *MemoryStore) slot(i int) int {
	return (s.head + i) % len(s.ring)
}

// Get returns the entry with the given ID, or nil.
func (s *MemoryStore) Get(id string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.n {
		if e := s.ring[s.slot(i)]; e.ID == id {
			return e
		}
	}
	return nil
}

// List returns matching entries newest first, honouring Offset and Limit.
func (s *MemoryStore) List(filter *Filter) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var offset, limit int
	if filter != nil {
		offset, limit = filter.Offset, filter.Limit
	}
	size := s.n
	if limit > 0 {
		size = min(size, limit)
	}
	out := make([]*Entry, 0, size)
	for i := s.n - 1; i >= 0; i-- {
		e := s.ring[s.slot(i)]
		if !filter.Match(e) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Clear drops every entry. IDs keep increasing.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.ring)
	s.head, s.n = 0, 0
}

// Count returns the number of stored entries.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

var _ Store = (*MemoryStore)(nil)
