package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/worker"
)

// Reasons a key is due for background recomputation
const (
	ReasonExpiring    = "expiring"
	ReasonInvalidated = "invalidated"
)

// Candidate is a key due for background recomputation
type Candidate struct {
	Key      Key
	Reason   string
	Deadline time.Time

	compute ComputeFunc
}

// Expiring lists stored entries that expire within margin(ttl) from now, or already have.
// Keys with a computation in flight are skipped.
func (m *Manager) Expiring(margin func(ttl time.Duration) time.Duration) []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Candidate
	for _, tier := range Tiers {
		lru, ok := m.tiers[tier]
		if !ok {
			continue
		}
		for _, id := range lru.Keys() {
			e, _ := lru.Peek(id)
			if e.compute == nil {
				continue
			}
			if _, busy := m.inflight[id]; busy {
				continue
			}
			deadline := e.computedAt.Add(e.ttl)
			if !now.Before(deadline.Add(-margin(e.ttl))) {
				out = append(out, Candidate{Key: e.key, Reason: ReasonExpiring, Deadline: deadline, compute: e.compute})
			}
		}
	}
	return out
}

// rememberLocked records an invalidated entry for the next DrainInvalidated. When a
// tier's set is full the oldest key is forgotten and only refreshes on demand.
func (m *Manager) rememberLocked(e *entry) {
	if e.compute == nil {
		return
	}
	if inv, ok := m.invalidated[e.key.Tier]; ok {
		inv.Add(e.key.ID, e)
	}
}

// DrainInvalidated returns and forgets the keys evicted by invalidation since the last
// call, tier by tier
func (m *Manager) DrainInvalidated() []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Candidate
	for _, tier := range Tiers {
		inv, ok := m.invalidated[tier]
		if !ok {
			continue
		}
		for _, id := range inv.Keys() {
			e, _ := inv.Peek(id)
			out = append(out, Candidate{Key: e.key, Reason: ReasonInvalidated, Deadline: now, compute: e.compute})
		}
		inv.Purge()
	}
	return out
}

// Requeue hands invalidated candidates that were drained but never refreshed back to
// the invalidated set. Other candidates, and keys cached or in flight since, are skipped.
// It returns the number of keys requeued.
func (m *Manager) Requeue(cands []Candidate) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, cand := range cands {
		if cand.Reason != ReasonInvalidated || cand.compute == nil {
			continue
		}
		if _, busy := m.inflight[cand.Key.ID]; busy {
			continue
		}
		if _, ok := m.lookupLocked(cand.Key); ok {
			continue
		}
		if _, ok := m.invalidated[cand.Key.Tier]; !ok {
			continue
		}
		m.rememberLocked(&entry{key: cand.Key, compute: cand.compute, ttl: m.ttls[cand.Key.Tier]})
		n++
	}
	return n
}

// Refresh recomputes a candidate at background priority without waiting for it.
// It reports false when the key is already being computed. A full background queue
// is returned as worker.ErrQueueFull and invalidated candidates are kept for later.
func (m *Manager) Refresh(cand Candidate) (bool, error) {
	if cand.compute == nil {
		return false, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if _, busy := m.inflight[cand.Key.ID]; busy {
		m.mu.Unlock()
		return false, nil
	}
	c := m.newCallLocked(cand.Key, cand.compute, worker.Background)
	m.mu.Unlock()

	task := m.task(c, worker.Background)
	err := m.pool.TrySubmit(task)
	if err == nil {
		return true, nil
	}

	m.mu.Lock()
	if c.requesters > 0 && errors.Is(err, worker.ErrQueueFull) {
		// Someone joined meanwhile and is waiting on this call
		m.mu.Unlock()
		go func() {
			if err := m.pool.Submit(m.ctx, task); err != nil {
				m.drop(c, err)
			}
		}()
		return true, nil
	}
	c.abandoned = true
	if m.inflight[c.key.ID] == c {
		delete(m.inflight, c.key.ID)
	}
	if cand.Reason == ReasonInvalidated {
		m.rememberLocked(&entry{key: c.key, compute: c.compute, ttl: m.ttls[c.key.Tier]})
	}
	m.mu.Unlock()

	m.drop(c, err)
	m.logger.Debug("background refresh not queued", zap.String("key", cand.Key.ID), zap.Error(err))
	return false, err
}

// Schedule starts computing key at the given priority if it is neither cached nor in
// flight, and returns without waiting. It reports whether the value is already fresh.
func (m *Manager) Schedule(key Key, compute ComputeFunc, priority worker.Priority) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if _, err := m.tier(key); err != nil {
		m.mu.Unlock()
		return false, err
	}
	if _, ok := m.lookupLocked(key); ok {
		m.mu.Unlock()
		return true, nil
	}
	c, joined := m.inflight[key.ID]
	upgrade := false
	if joined {
		upgrade = priority == worker.Interactive && c.priority == worker.Background
		if upgrade {
			c.priority = worker.Interactive
		}
	} else {
		c = m.newCallLocked(key, compute, priority)
	}
	m.mu.Unlock()

	if !joined || upgrade {
		m.metrics.misses.WithLabelValues(string(key.Tier)).Inc()
		m.schedule(c, priority)
	}
	return false, nil
}

// Context returns the manager's base context, cancelled on Close
func (m *Manager) Context() context.Context {
	return m.ctx
}
