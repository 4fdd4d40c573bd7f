package store

import (
	"context"
	"fmt"
	"sync"
)

type memory struct {
	mu   sync.Mutex // protects docs
	docs map[string]string
}

// NewMemory returns a store that lives as long as the process.
func NewMemory() Store {
	return &memory{docs: make(map[string]string)}
}

func (m *memory) Load(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.docs[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return text, nil
}

func (m *memory) Save(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = text
	return nil
}

func (m *memory) Close() error {
	return nil
}
