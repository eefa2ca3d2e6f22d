package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps values in process memory.
type Memory struct {
	notifier
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{values: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		for k, v := range m.values {
			out[k] = v
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := m.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, values map[string]any, silent bool) error {
	encoded, err := encode(values)
	if err != nil {
		return err
	}

	m.mu.Lock()
	var changes []Change
	for key, value := range encoded {
		old, exists := m.values[key]
		if !changed(old, value, exists) {
			continue
		}
		m.values[key] = value
		changes = append(changes, Change{Key: key, Value: value, Silent: silent})
	}
	m.mu.Unlock()

	m.publish(changes)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
