package cache

import (
	"fmt"
	"sync"
)

// MemoryBlobStore keeps values in process memory. It is used when caching
// is disabled on disk and in tests.
type MemoryBlobStore struct {
	mu     sync.Mutex
	values map[string]string
	// MaxBytes caps the total size of all values. Zero means unlimited.
	MaxBytes int
}

// NewMemoryBlobStore returns an empty store.
func NewMemoryBlobStore(maxBytes int) *MemoryBlobStore {
	return &MemoryBlobStore{values: make(map[string]string), MaxBytes: maxBytes}
}

func (m *MemoryBlobStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryBlobStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MaxBytes > 0 {
		total := len(value)
		for k, v := range m.values {
			if k != key {
				total += len(v)
			}
		}
		if total > m.MaxBytes {
			return fmt.Errorf("%d bytes exceeds limit of %d: %w", total, m.MaxBytes, ErrQuotaExceeded)
		}
	}
	m.values[key] = value
	return nil
}

func (m *MemoryBlobStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
