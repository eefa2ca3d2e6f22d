// Package storage implements the key-value areas rules are persisted in.
// Values are JSON documents. Subscribers learn about every key whose value
// changed, including changes made by other processes where the backend can
// observe them.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var ErrNotFound = errors.New("storage: key not found")

// Change is one key whose value changed. Silent is set when the writer
// asked listeners to ignore its own write.
type Change struct {
	Key    string
	Value  json.RawMessage
	Silent bool
}

type Store interface {
	// Get returns the stored values of keys, or every value when no key is
	// given. Missing keys are absent from the result.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]any, silent bool) error
	Subscribe(fn func([]Change)) (cancel func())
	Close() error
}

// Lookup returns the value of a single key.
func Lookup(ctx context.Context, s Store, key string) (json.RawMessage, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func encode(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		if raw, ok := value.(json.RawMessage); ok {
			out[key] = raw
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		out[key] = raw
	}
	return out, nil
}

func changed(old, value json.RawMessage, exists bool) bool {
	return !exists || !bytes.Equal(old, value)
}

// notifier fans changes out to subscribers.
type notifier struct {
	mu   sync.RWMutex
	next int
	subs map[int]func([]Change)
}

func (n *notifier) Subscribe(fn func([]Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func([]Change))
	}
	n.next++
	id := n.next
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	n.mu.RLock()
	subs := make([]func([]Change), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		deliver(fn, changes)
	}
}

func deliver(fn func([]Change), changes []Change) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Storage subscriber panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	fn(changes)
}
