package cache

import (
	"github.com/google/uuid"
)

// Result is a single notification: a value or an error
type Result struct {
	Value any
	Err   error
}

// Subscribe registers interest in key. The channel receives exactly one Result: at once
// if a fresh value is cached, otherwise when the next computation of key resolves.
// Abandoned computations do not notify; the recomputation that replaces them does.
// cancel unregisters a subscription that has not fired yet.
func (m *Manager) Subscribe(key Key) (<-chan Result, func()) {
	ch := make(chan Result, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		ch <- Result{Err: ErrClosed}
		return ch, func() {}
	}
	if v, ok := m.lookupLocked(key); ok {
		ch <- Result{Value: v}
		return ch, func() {}
	}

	id := uuid.NewString()
	subs, ok := m.subs[key.ID]
	if !ok {
		subs = make(map[string]chan Result)
		m.subs[key.ID] = subs
	}
	subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subs[key.ID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subs, key.ID)
			}
		}
	}
}
