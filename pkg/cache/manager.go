package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/worker"
)

// ComputeFunc produces the value of a key
type ComputeFunc func(ctx context.Context) (any, error)

// Validator is implemented by values that can check their own shape
type Validator interface {
	Validate() error
}

// TierConfig is the capacity and default TTL of one tier
type TierConfig struct {
	Capacity int
	TTL      time.Duration
}

// Config configures a Manager
type Config struct {
	Tiers map[Tier]TierConfig
	Pool  *worker.Pool
	Retry RetryPolicy

	// Permanent reports errors that must not be retried
	Permanent func(error) bool

	// ForgetInvalidated stops remembering invalidated keys for DrainInvalidated.
	// Set it when no refresh scheduler drains them.
	ForgetInvalidated bool

	Metrics *Metrics
	Logger  *zap.Logger

	// Now overrides the clock
	Now func() time.Time
}

// DefaultTiers are the built-in tier sizes
func DefaultTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierDay:         {Capacity: 20000, TTL: 6 * time.Hour},
		TierWeek:        {Capacity: 5000, TTL: 12 * time.Hour},
		TierMonth:       {Capacity: 2000, TTL: 24 * time.Hour},
		TierCorrelation: {Capacity: 500, TTL: time.Hour},
		TierAnomaly:     {Capacity: 500, TTL: time.Hour},
	}
}

type entry struct {
	key        Key
	value      any
	computedAt time.Time
	ttl        time.Duration
	compute    ComputeFunc
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.computedAt.Add(e.ttl))
}

// call is one in-flight computation shared by every requester of its key
type call struct {
	key     Key
	compute ComputeFunc
	done    chan struct{}
	started atomic.Bool

	// guarded by Manager.mu
	requesters int
	priority   worker.Priority
	abandoned  bool

	// set before done is closed
	value any
	err   error
}

type parentCtxKey struct{}

func withParent(ctx context.Context, key Key) context.Context {
	return context.WithValue(ctx, parentCtxKey{}, key)
}

func parentFrom(ctx context.Context) (Key, bool) {
	key, ok := ctx.Value(parentCtxKey{}).(Key)
	return key, ok
}

// Manager owns every computed result
type Manager struct {
	mu       sync.Mutex
	tiers    map[Tier]*simplelru.LRU[string, *entry]
	ttls     map[Tier]time.Duration
	inflight map[string]*call

	// deps maps a child key to the parents computed from it
	deps map[string]map[string]Key

	// invalidated remembers evicted entries so they can be re-warmed, at most one
	// tier's capacity per tier; nil when ForgetInvalidated is set
	invalidated map[Tier]*simplelru.LRU[string, *entry]

	subs map[string]map[string]chan Result

	pool      *worker.Pool
	retry     RetryPolicy
	permanent func(error) bool
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	closed  bool
}

// New creates a Manager
func New(cfg Config) (*Manager, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("cache manager requires a worker pool")
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Metrics == nil {
		metrics, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		cfg.Metrics = metrics
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		tiers:       make(map[Tier]*simplelru.LRU[string, *entry], len(cfg.Tiers)),
		ttls:        make(map[Tier]time.Duration, len(cfg.Tiers)),
		inflight:    make(map[string]*call),
		deps:        make(map[string]map[string]Key),
		subs:        make(map[string]map[string]chan Result),
		pool:        cfg.Pool,
		retry:       cfg.Retry,
		permanent:   cfg.Permanent,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.Named("cache"),
		now:         cfg.Now,
		ctx:         ctx,
		cancel:      cancel,
		closing:     make(chan struct{}),
	}

	for tier, tc := range cfg.Tiers {
		if tc.Capacity <= 0 || tc.TTL <= 0 {
			cancel()
			return nil, fmt.Errorf("tier %s needs positive capacity and ttl", tier)
		}
		lru, err := simplelru.NewLRU[string, *entry](tc.Capacity, m.onEvict)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create %s tier: %w", tier, err)
		}
		m.tiers[tier] = lru
		m.ttls[tier] = tc.TTL

		if !cfg.ForgetInvalidated {
			inv, err := simplelru.NewLRU[string, *entry](tc.Capacity, nil)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("failed to create %s invalidation set: %w", tier, err)
			}
			if m.invalidated == nil {
				m.invalidated = make(map[Tier]*simplelru.LRU[string, *entry], len(cfg.Tiers))
			}
			m.invalidated[tier] = inv
		}
	}
	return m, nil
}

// onEvict runs with mu held, for capacity evictions and removals alike.
// The evicted key's outgoing edges go with it.
func (m *Manager) onEvict(id string, _ *entry) {
	delete(m.deps, id)
}

func (m *Manager) tier(key Key) (*simplelru.LRU[string, *entry], error) {
	lru, ok := m.tiers[key.Tier]
	if !ok {
		return nil, fmt.Errorf("unknown cache tier %q for %s", key.Tier, key.ID)
	}
	return lru, nil
}

// lookupLocked returns a fresh, well-formed value
func (m *Manager) lookupLocked(key Key) (any, bool) {
	lru, ok := m.tiers[key.Tier]
	if !ok {
		return nil, false
	}
	e, ok := lru.Get(key.ID)
	if !ok || e.expired(m.now()) {
		return nil, false
	}
	if err := checkValue(e.value); err != nil {
		m.corruptLocked(lru, e, err)
		return nil, false
	}
	return e.value, true
}

func checkValue(v any) error {
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrCorruptEntry)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
	}
	return nil
}

func (m *Manager) corruptLocked(lru *simplelru.LRU[string, *entry], e *entry, err error) {
	lru.Remove(e.key.ID)
	m.metrics.corrupt.WithLabelValues(string(e.key.Tier)).Inc()
	m.metrics.entries.WithLabelValues(string(e.key.Tier)).Set(float64(lru.Len()))
	m.logger.Warn("dropping corrupt entry", zap.String("key", e.key.ID), zap.Error(err))
}

func (m *Manager) addEdgeLocked(child, parent Key) {
	if child.ID == parent.ID {
		return
	}
	parents, ok := m.deps[child.ID]
	if !ok {
		parents = make(map[string]Key)
		m.deps[child.ID] = parents
	}
	parents[parent.ID] = parent
}

// GetOrCompute returns the cached value of key or computes it, at most once at a time.
// A caller whose ctx ends first gets ErrTimeout; the computation still completes and is stored.
func (m *Manager) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc, priority worker.Priority) (any, error) {
	parent, nested := parentFrom(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, err := m.tier(key); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if nested {
		m.addEdgeLocked(key, parent)
	}
	if v, ok := m.lookupLocked(key); ok {
		m.mu.Unlock()
		m.metrics.hits.WithLabelValues(string(key.Tier)).Inc()
		return v, nil
	}

	c, joined := m.inflight[key.ID]
	upgrade := false
	if joined {
		c.requesters++
		upgrade = priority == worker.Interactive && c.priority == worker.Background
		if upgrade {
			c.priority = worker.Interactive
		}
	} else {
		c = m.newCallLocked(key, compute, priority)
		c.requesters = 1
	}
	m.mu.Unlock()

	if joined {
		m.metrics.coalesced.WithLabelValues(string(key.Tier)).Inc()
		m.logger.Debug("joined in-flight computation", zap.String("key", key.ID))
	} else {
		m.metrics.misses.WithLabelValues(string(key.Tier)).Inc()
		m.logger.Debug("cache miss", zap.String("key", key.ID), zap.Stringer("priority", priority))
	}

	switch {
	case nested:
		// Already on a worker: run the child here rather than wait for a slot
		m.execute(c)
	case !joined || upgrade:
		m.schedule(c, priority)
	}
	return m.wait(ctx, c)
}

func (m *Manager) newCallLocked(key Key, compute ComputeFunc, priority worker.Priority) *call {
	c := &call{
		key:      key,
		compute:  compute,
		done:     make(chan struct{}),
		priority: priority,
	}
	m.inflight[key.ID] = c
	return c
}

// schedule queues c on the pool, waiting for room in the background if needed
func (m *Manager) schedule(c *call, priority worker.Priority) {
	task := m.task(c, priority)
	err := m.pool.TrySubmit(task)
	if err == nil {
		return
	}
	if err == worker.ErrQueueFull {
		go func() {
			if err := m.pool.Submit(m.ctx, task); err != nil {
				m.drop(c, err)
			}
		}()
		return
	}
	m.drop(c, err)
}

func (m *Manager) task(c *call, priority worker.Priority) worker.Task {
	return worker.Task{
		Priority: priority,
		Run:      func(context.Context) { m.execute(c) },
		Skip: func() bool {
			if c.started.Load() {
				return true
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			return c.abandoned && c.requesters == 0
		},
		Dropped: func() { m.drop(c, errDropped) },
	}
}

// drop resolves a call that will never run
func (m *Manager) drop(c *call, err error) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	if err == worker.ErrClosed {
		err = ErrClosed
	}
	m.finish(c, nil, err)
}

// execute runs the computation of c unless another copy already started it
func (m *Manager) execute(c *call) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	tier := string(c.key.Tier)
	start := time.Now()
	ctx := withParent(m.ctx, c.key)
	logger := m.logger.With(zap.String("key", c.key.ID))

	value, attempts, err := m.retry.do(ctx, logger, m.permanent, func(ctx context.Context) (any, error) {
		return safeCompute(ctx, c.compute)
	})
	if err == nil {
		if verr := checkValue(value); verr != nil {
			err = fmt.Errorf("computed value rejected: %w", verr)
		}
	}

	m.metrics.computations.WithLabelValues(tier).Inc()
	m.metrics.latency.WithLabelValues(tier).Observe(time.Since(start).Seconds())

	if err != nil && !isPermanent(err, m.permanent) {
		err = &ComputationError{Key: c.key.ID, Attempts: attempts, Err: err}
		m.metrics.failures.WithLabelValues(tier).Inc()
		logger.Error("computation failed", zap.Int("attempts", attempts), zap.Error(err))
	}
	m.finish(c, value, err)
}

func safeCompute(ctx context.Context, compute ComputeFunc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during computation: %v", r)
		}
	}()
	return compute(ctx)
}

// finish publishes the outcome of c and stores successful, non-abandoned results.
// It reports whether the value was stored.
func (m *Manager) finish(c *call, value any, err error) bool {
	stored := false
	m.mu.Lock()
	if m.inflight[c.key.ID] == c {
		delete(m.inflight, c.key.ID)
	}

	var notify []chan Result
	if !c.abandoned && !m.closed {
		if err == nil {
			m.storeLocked(c.key, value, c.compute)
			stored = true
		}
		for id, ch := range m.subs[c.key.ID] {
			notify = append(notify, ch)
			delete(m.subs[c.key.ID], id)
		}
		delete(m.subs, c.key.ID)
	} else if c.abandoned {
		m.logger.Debug("discarding abandoned result", zap.String("key", c.key.ID))
	}

	c.value, c.err = value, err
	close(c.done)
	m.mu.Unlock()

	for _, ch := range notify {
		ch <- Result{Value: value, Err: err}
	}
	return stored
}

func (m *Manager) storeLocked(key Key, value any, compute ComputeFunc) {
	lru := m.tiers[key.Tier]
	e := &entry{
		key:        key,
		value:      value,
		computedAt: m.now(),
		ttl:        m.ttls[key.Tier],
		compute:    compute,
	}
	if lru.Add(key.ID, e) {
		m.metrics.evictions.WithLabelValues(string(key.Tier)).Inc()
	}
	if inv, ok := m.invalidated[key.Tier]; ok {
		inv.Remove(key.ID)
	}
	m.metrics.entries.WithLabelValues(string(key.Tier)).Set(float64(lru.Len()))
}

func (m *Manager) wait(ctx context.Context, c *call) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	default:
	}

	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		m.mu.Lock()
		c.requesters--
		m.mu.Unlock()
		m.metrics.timeouts.WithLabelValues(string(c.key.Tier)).Inc()
		return nil, fmt.Errorf("%w for %s: %w", ErrTimeout, c.key.ID, ctx.Err())
	case <-m.closing:
		return nil, ErrClosed
	}
}

// Peek returns a fresh cached value without ever computing and without blocking
func (m *Manager) Peek(key Key) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(key)
}

// PeekStale returns the last known value of key, expired or not, and its age
func (m *Manager) PeekStale(key Key) (any, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lru, ok := m.tiers[key.Tier]
	if !ok {
		return nil, 0, false
	}
	e, ok := lru.Peek(key.ID)
	if !ok {
		return nil, 0, false
	}
	if err := checkValue(e.value); err != nil {
		m.corruptLocked(lru, e, err)
		return nil, 0, false
	}
	return e.value, m.now().Sub(e.computedAt), true
}

// Pending reports whether a computation for key is in flight
func (m *Manager) Pending(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[key.ID]
	return ok
}

// Invalidate evicts every entry whose tags match pred and, transitively, every entry
// computed from one of them. Matching in-flight computations are abandoned.
// It returns the number of entries evicted plus calls abandoned.
func (m *Manager) Invalidate(pred Predicate) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	visited := make(map[string]Key)
	var queue []Key

	for _, lru := range m.tiers {
		for _, id := range lru.Keys() {
			e, _ := lru.Peek(id)
			if e.key.matches(pred) {
				queue = append(queue, e.key)
			}
		}
	}
	for _, c := range m.inflight {
		if c.key.matches(pred) {
			queue = append(queue, c.key)
		}
	}

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if _, seen := visited[key.ID]; seen {
			continue
		}
		visited[key.ID] = key
		for _, parent := range m.deps[key.ID] {
			if _, seen := visited[parent.ID]; !seen {
				queue = append(queue, parent)
			}
		}
		delete(m.deps, key.ID)
	}

	affected := 0
	for id, key := range visited {
		if lru, ok := m.tiers[key.Tier]; ok {
			if e, ok := lru.Peek(id); ok {
				lru.Remove(id)
				m.rememberLocked(e)
				affected++
				m.metrics.invalidations.WithLabelValues(string(key.Tier)).Inc()
				m.metrics.entries.WithLabelValues(string(key.Tier)).Set(float64(lru.Len()))
			}
		}
		if c, ok := m.inflight[id]; ok {
			c.abandoned = true
			delete(m.inflight, id)
			affected++
			m.metrics.abandoned.WithLabelValues(string(key.Tier)).Inc()
			m.rememberLocked(&entry{key: c.key, compute: c.compute, ttl: m.ttls[key.Tier]})
		}
	}

	if affected > 0 {
		m.logger.Debug("invalidated entries", zap.Int("affected", affected))
	}
	return affected
}

// Stats is a snapshot of cache occupancy
type Stats struct {
	Entries      map[Tier]int `json:"entries"`
	InFlight     int          `json:"in_flight"`
	Dependencies int          `json:"dependencies"`
	Invalidated  int          `json:"invalidated"`
	Subscribers  int          `json:"subscribers"`
}

// Stats returns current occupancy
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Entries:  make(map[Tier]int, len(m.tiers)),
		InFlight: len(m.inflight),
	}
	for tier, lru := range m.tiers {
		s.Entries[tier] = lru.Len()
	}
	for _, inv := range m.invalidated {
		s.Invalidated += inv.Len()
	}
	for _, parents := range m.deps {
		s.Dependencies += len(parents)
	}
	for _, subs := range m.subs {
		s.Subscribers += len(subs)
	}
	return s
}

// Close wakes every waiter and subscriber with ErrClosed and stops accepting work.
// The worker pool belongs to the caller and is left running.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.closing)

	var notify []chan Result
	for _, subs := range m.subs {
		for _, ch := range subs {
			notify = append(notify, ch)
		}
	}
	m.subs = make(map[string]map[string]chan Result)
	m.mu.Unlock()

	m.cancel()
	for _, ch := range notify {
		ch <- Result{Err: ErrClosed}
	}
	m.logger.Info("cache manager closed")
}
