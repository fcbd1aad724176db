package cache

import (
	"errors"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/worker"
)

var errReleased = errors.New("reservation released without a value")

// Reservation claims keys whose values are computed outside the manager, for example
// by a batched warm-up. Each reserved key is registered as an in-flight call, so
// requesters join it and an invalidation landing before Fulfill abandons it like any
// other computation. Release must be called once the batch is done.
type Reservation struct {
	m     *Manager
	calls map[string]*call
}

// Reserve starts an empty reservation
func (m *Manager) Reserve() *Reservation {
	return &Reservation{m: m, calls: make(map[string]*call)}
}

// Add claims key. It reports false when the key is already cached or in flight, in
// which case the batch has nothing to add for it. compute is kept for later refreshes
// and for requesters still waiting when the reservation is released.
func (r *Reservation) Add(key Key, compute ComputeFunc) (bool, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if _, err := m.tier(key); err != nil {
		return false, err
	}
	if _, ok := r.calls[key.ID]; ok {
		return false, nil
	}
	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	if _, ok := m.inflight[key.ID]; ok {
		return false, nil
	}
	// Interactive so joining requesters wait for the batch instead of recomputing
	r.calls[key.ID] = m.newCallLocked(key, compute, worker.Interactive)
	return true, nil
}

// Fulfill delivers the value of a reserved key to its waiters and stores it. A key
// invalidated since Add is delivered but not stored. It reports whether the value
// was stored; keys never reserved report false.
func (r *Reservation) Fulfill(key Key, value any) (bool, error) {
	c, ok := r.calls[key.ID]
	if !ok {
		return false, nil
	}
	delete(r.calls, key.ID)

	err := checkValue(value)
	if !c.started.CompareAndSwap(false, true) {
		return false, err
	}
	if err != nil {
		r.m.finish(c, nil, err)
		return false, err
	}
	stored := r.m.finish(c, value, nil)
	if !stored {
		r.m.logger.Debug("discarding reserved value invalidated before delivery", zap.String("key", key.ID))
	}
	return stored, nil
}

// Release gives up every key not yet fulfilled. Keys someone waits for are computed
// normally; the rest are forgotten.
func (r *Reservation) Release() {
	m := r.m
	for id, c := range r.calls {
		delete(r.calls, id)

		m.mu.Lock()
		waited := c.requesters > 0 || len(m.subs[id]) > 0
		priority := c.priority
		m.mu.Unlock()

		if waited {
			m.schedule(c, priority)
			continue
		}
		m.drop(c, errReleased)
	}
}
