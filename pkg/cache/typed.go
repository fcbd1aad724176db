package cache

import (
	"context"
	"fmt"

	"github.com/nicktill/healthobs/pkg/worker"
)

// Get is GetOrCompute for a concrete value type.
// A stored value of the wrong type is dropped as corrupt and recomputed once.
func Get[T any](ctx context.Context, m *Manager, key Key, compute func(ctx context.Context) (T, error), priority worker.Priority) (T, error) {
	var zero T
	fn := func(ctx context.Context) (any, error) {
		return compute(ctx)
	}

	for attempt := 0; attempt < 2; attempt++ {
		v, err := m.GetOrCompute(ctx, key, fn, priority)
		if err != nil {
			return zero, err
		}
		if typed, ok := v.(T); ok {
			return typed, nil
		}
		m.discard(key, notA[T], fmt.Errorf("%w: stored %T, want %T", ErrCorruptEntry, v, zero))
	}
	return zero, &ComputationError{Key: key.ID, Attempts: 2, Err: ErrCorruptEntry}
}

// Lookup is Peek for a concrete value type
func Lookup[T any](m *Manager, key Key) (T, bool) {
	var zero T
	v, ok := m.Peek(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		m.discard(key, notA[T], fmt.Errorf("%w: stored %T, want %T", ErrCorruptEntry, v, zero))
		return zero, false
	}
	return typed, true
}

func notA[T any](v any) bool {
	_, ok := v.(T)
	return !ok
}

// discard removes key if its stored value is rejected
func (m *Manager) discard(key Key, reject func(any) bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lru, ok := m.tiers[key.Tier]
	if !ok {
		return
	}
	if e, ok := lru.Peek(key.ID); ok && reject(e.value) {
		m.corruptLocked(lru, e, err)
	}
}
