package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

const memoryScheme = "mem://"

type memoryObject struct {
	data        []byte
	contentType string
	name        string
}

// Memory is an in-process ObjectStore for development and tests.
type Memory struct {
	Prefix string
	Now    func() time.Time

	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemory constructs an empty in-memory store.
func NewMemory(prefix string) *Memory {
	return &Memory{Prefix: prefix, objects: make(map[string]memoryObject)}
}

func (m *Memory) Store(_ context.Context, data []byte, contentType, name string) (string, error) {
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	key := NewKey(m.Prefix, contentType, now)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]memoryObject)
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType, name: name}
	return memoryScheme + key, nil
}

func (m *Memory) Fetch(_ context.Context, ref string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[strings.TrimPrefix(ref, memoryScheme)]
	if !ok {
		return nil, "", ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}

func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, strings.TrimPrefix(ref, memoryScheme))
	return nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
