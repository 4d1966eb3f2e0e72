package kvstore

import (
	"context"
	"sync"

	"github.com/rail-service/erasure_service/internal/domain/ports"
)

// Memory is an in-process ports.KVStore, used by unit tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, false, nil
	}
	v, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *Memory) Set(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, namespace, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	if _, exists := ns[key]; exists {
		return false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return true, nil
}

func (m *Memory) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (m *Memory) ListByNamespace(_ context.Context, namespace string) ([]ports.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, nil
	}
	out := make([]ports.Entry, 0, len(ns))
	for k, v := range ns {
		cp := make([]byte, len(v))
		copy(cp, v)
		out = append(out, ports.Entry{Key: k, Value: cp})
	}
	return out, nil
}

var _ ports.KVStore = (*Memory)(nil)
