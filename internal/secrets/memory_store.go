package secrets

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps secrets in process memory. It backs single-node
// development setups and tests; data is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]interface{}
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]interface{})}
}

// Get returns a copy of the document at path
func (m *MemoryStore) Get(ctx context.Context, path string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.data[path]
	if !ok {
		return nil, fmt.Errorf("%w at path %s", ErrSecretNotFound, path)
	}
	return copyDoc(doc), nil
}

// Put replaces the document at path
func (m *MemoryStore) Put(ctx context.Context, path string, data map[string]interface{}) error {
	if path == "" {
		return fmt.Errorf("%w: path cannot be empty", ErrInvalidPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = copyDoc(data)
	return nil
}

// Delete removes the document at path
func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, path)
	return nil
}

// Len returns the number of stored documents
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
