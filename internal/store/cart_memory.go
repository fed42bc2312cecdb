package store

import (
	"encoding/json"
	"sync"

	"relivre/pkg/domain"
)

// MemoryCartBackend keeps the serialized cart in-process. It stores the
// JSON bytes rather than the slice so tests exercise the same round-trip
// the Redis backend does.
type MemoryCartBackend struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryCartBackend initializes an empty in-memory cart backend.
func NewMemoryCartBackend() *MemoryCartBackend {
	return &MemoryCartBackend{}
}

func (b *MemoryCartBackend) Load() ([]domain.CartItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil, nil
	}
	var items []domain.CartItem
	if err := json.Unmarshal(b.data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (b *MemoryCartBackend) Save(items []domain.CartItem) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	return nil
}

func (b *MemoryCartBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

// Corrupt overwrites the stored payload, for parse-failure tests.
func (b *MemoryCartBackend) Corrupt(raw string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = []byte(raw)
}
