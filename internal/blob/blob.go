// Package blob stores media objects under deterministic keys.
package blob

import (
	"context"
	"strings"
	"sync"
)

// Store is the blob-storage capability used by the media worker.
type Store interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	ObjectExists(ctx context.Context, key string) (bool, error)
	ObjectURL(key string) string
}

// Object is one stored blob in a Memory store.
type Object struct {
	Data        []byte
	ContentType string
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	baseURL string

	mu      sync.Mutex
	objects map[string]Object
}

func NewMemory(baseURL string) *Memory {
	return &Memory{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]Object)}
}

func (m *Memory) PutObject(_ context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

func (m *Memory) ObjectExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) ObjectURL(key string) string {
	return m.baseURL + "/" + key
}

// Get returns a stored object.
func (m *Memory) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
