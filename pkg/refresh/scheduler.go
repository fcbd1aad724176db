// Package refresh keeps the cache warm in the background.
//
// A scan collects the keys evicted by invalidation plus every entry within its freshness
// margin of TTL expiry, and queues a background recomputation for each, rate-limited so
// a large scan cannot flood the record store. Scans run on a fixed interval and on
// Trigger, which the engine calls after every data change.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/worker"
)

// Cache is the part of the Cache Manager the scheduler drives
type Cache interface {
	Expiring(margin func(ttl time.Duration) time.Duration) []cache.Candidate
	DrainInvalidated() []cache.Candidate
	Requeue(cands []cache.Candidate) int
	Refresh(cand cache.Candidate) (bool, error)
}

// Config configures a Scheduler
type Config struct {
	Interval time.Duration

	// Entries are refreshed once within MarginFraction of their TTL from expiry,
	// but never later than MinMargin before it
	MarginFraction float64
	MinMargin      time.Duration

	// Rate and Burst bound how fast refreshes are queued
	Rate  rate.Limit
	Burst int

	// RetryDelay is the first backoff after a failed scan
	RetryDelay time.Duration
	MaxRetries int

	Logger *zap.Logger
}

// DefaultConfig returns the built-in refresh settings
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		MarginFraction: 0.1,
		MinMargin:      30 * time.Second,
		Rate:           50,
		Burst:          10,
		RetryDelay:     5 * time.Second,
		MaxRetries:     3,
	}
}

// ScanResult summarizes one scan
type ScanResult struct {
	Candidates  int           `json:"candidates"`
	Invalidated int           `json:"invalidated"`
	Expiring    int           `json:"expiring"`
	Queued      int           `json:"queued"`
	Busy        int           `json:"busy"`
	Deferred    int           `json:"deferred"`
	Duration    time.Duration `json:"duration"`
}

// Scheduler periodically and reactively refreshes cache entries
type Scheduler struct {
	cache   Cache
	cfg     Config
	limiter *rate.Limiter
	monitor *Monitor
	logger  *zap.Logger

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler; call Start to begin the loop
func New(c Cache, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MarginFraction <= 0 {
		cfg.MarginFraction = def.MarginFraction
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		cache:   c,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		monitor: NewMonitor(3 * cfg.Interval),
		logger:  logger.Named("refresh"),
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Monitor returns the scheduler's health monitor
func (s *Scheduler) Monitor() *Monitor {
	return s.monitor
}

// Margin is the freshness margin for an entry with the given TTL
func (s *Scheduler) Margin(ttl time.Duration) time.Duration {
	margin := time.Duration(float64(ttl) * s.cfg.MarginFraction)
	if margin < s.cfg.MinMargin {
		margin = s.cfg.MinMargin
	}
	return margin
}

// Trigger requests a scan soon without waiting for it
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the scan loop until Stop
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop ends the loop and waits for the current scan
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("refresh scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ticker.C:
			s.runWithRetry()
		case <-s.trigger:
			s.runWithRetry()
		case <-s.stop:
			s.logger.Info("stopping refresh scheduler")
			return
		}
	}
}

// runWithRetry scans, backing off exponentially while the background queue is full
func (s *Scheduler) runWithRetry() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			s.logger.Warn("retrying refresh scan",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", s.cfg.MaxRetries+1))
			select {
			case <-time.After(delay):
			case <-s.stop:
				return
			}
		}

		res, err := s.Scan(ctx)
		if err == nil {
			s.monitor.RecordSuccess(res)
			if res.Candidates > 0 {
				s.logger.Info("refresh scan completed",
					zap.Int("queued", res.Queued),
					zap.Int("invalidated", res.Invalidated),
					zap.Int("expiring", res.Expiring),
					zap.Duration("duration", res.Duration))
			}
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		s.monitor.RecordFailure(res, err)
		s.logger.Warn("refresh scan incomplete",
			zap.Int("attempt", attempt+1),
			zap.Int("deferred", res.Deferred),
			zap.Error(err))
		if status := s.monitor.Status(); status.ConsecutiveErrors > 3 {
			s.logger.Error("background refresh keeps falling behind", zap.Int("consecutive_errors", status.ConsecutiveErrors))
		}
	}
	s.logger.Warn("refresh scan gave up, will retry on next schedule", zap.Int("attempts", s.cfg.MaxRetries+1))
}

// Scan queues a background refresh for every due candidate. Invalidated keys go first.
// A full background queue ends the scan early with worker.ErrQueueFull; the keys not
// reached are reported as deferred and picked up again by the next scan. Expiring keys
// are found again on their own, invalidated ones are requeued.
func (s *Scheduler) Scan(ctx context.Context) (ScanResult, error) {
	start := time.Now()

	invalidated := s.cache.DrainInvalidated()
	expiring := s.cache.Expiring(s.Margin)
	candidates := append(invalidated, expiring...)

	res := ScanResult{
		Candidates:  len(candidates),
		Invalidated: len(invalidated),
		Expiring:    len(expiring),
	}

	for i, cand := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			s.deferRest(&res, candidates[i:], start)
			return res, err
		}

		queued, err := s.cache.Refresh(cand)
		switch {
		case err == nil && queued:
			res.Queued++
		case err == nil:
			res.Busy++
		case errors.Is(err, worker.ErrQueueFull):
			s.deferRest(&res, candidates[i:], start)
			return res, fmt.Errorf("background queue full after %d refreshes: %w", res.Queued, err)
		default:
			s.deferRest(&res, candidates[i:], start)
			return res, fmt.Errorf("failed to refresh %s: %w", cand.Key, err)
		}
		s.logger.Debug("refresh queued", zap.String("key", cand.Key.ID), zap.String("reason", cand.Reason))
	}

	res.Duration = time.Since(start)
	return res, nil
}

// deferRest records the candidates a scan did not reach and hands the invalidated ones back
func (s *Scheduler) deferRest(res *ScanResult, rest []cache.Candidate, start time.Time) {
	res.Deferred = len(rest)
	if n := s.cache.Requeue(rest); n > 0 {
		s.logger.Debug("requeued invalidated keys", zap.Int("count", n))
	}
	res.Duration = time.Since(start)
}
