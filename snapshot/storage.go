package snapshot

import "sync"

/*
Storage is the durable key/value surface the snapshot store writes through.

The contract mirrors web-style local storage on purpose: string keys, string
values, index-based enumeration. That is the least common denominator every
platform adapter (browser storage, a flat file, an embedded KV) can provide.

Implementations must be safe for concurrent use. SetItem may fail when the
medium is full; the store handles that, adapters just report it.
*/
type Storage interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string) error
	RemoveItem(key string)

	// Length and Key enumerate the CURRENT contents; the pair is only
	// consistent if the caller tolerates concurrent mutation (the sweep
	// collects keys first, then re-reads each one).
	Length() int
	Key(i int) string
}

// MemoryStorage is the in-process Storage used for tests and for running
// with persistence effectively disabled. Optionally bounded to simulate
// quota exhaustion.
type MemoryStorage struct {
	mu    sync.RWMutex
	data  map[string]string
	order []string

	// MaxItems caps how many keys fit before SetItem of a NEW key fails.
	// Zero means unbounded.
	MaxItems int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (s *MemoryStorage) GetItem(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStorage) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists {
		if s.MaxItems > 0 && len(s.data) >= s.MaxItems {
			return ErrQuotaExceeded
		}
		s.order = append(s.order, key)
	}
	s.data[key] = value
	return nil
}

func (s *MemoryStorage) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *MemoryStorage) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *MemoryStorage) Key(i int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.order) {
		return ""
	}
	return s.order[i]
}
