package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nicktill/healthobs/pkg/anomaly"
	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/correlation"
	"github.com/nicktill/healthobs/pkg/refresh"
	"github.com/nicktill/healthobs/pkg/rollup"
	"github.com/nicktill/healthobs/pkg/stats"
	"github.com/nicktill/healthobs/pkg/storage"
	"github.com/nicktill/healthobs/pkg/worker"
)

// seriesFetchLimit bounds concurrent period fetches within one series
const seriesFetchLimit = 8

// Config configures an Engine
type Config struct {
	Tiers map[cache.Tier]cache.TierConfig
	Pool  worker.Config
	Retry cache.RetryPolicy

	// Refresh is ignored when DisableRefresh is set
	Refresh        refresh.Config
	DisableRefresh bool

	Attribution rollup.Attribution
	Correlation correlation.Config
	Anomaly     anomaly.Config

	// MaxSeriesPeriods bounds the periods a single series may span (0 = unbounded)
	MaxSeriesPeriods int

	// Registerer receives cache and pool collectors; nil skips registration
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	Now        func() time.Time
}

// ConfigFrom maps file/env configuration onto engine settings
func ConfigFrom(c config.Config) (Config, error) {
	attribution, err := rollup.AttributionByName(c.Rollup.Attribution, c.Rollup.MajorityMinDays)
	if err != nil {
		return Config{}, err
	}

	tier := func(tc config.TierConfig) cache.TierConfig {
		return cache.TierConfig{Capacity: tc.Capacity, TTL: tc.TTL}
	}

	return Config{
		Tiers: map[cache.Tier]cache.TierConfig{
			cache.TierDay:         tier(c.Cache.Day),
			cache.TierWeek:        tier(c.Cache.Week),
			cache.TierMonth:       tier(c.Cache.Month),
			cache.TierCorrelation: tier(c.Cache.Correlation),
			cache.TierAnomaly:     tier(c.Cache.Anomaly),
		},
		Pool: worker.Config{
			InteractiveWorkers: c.Pool.InteractiveWorkers,
			BackgroundWorkers:  c.Pool.BackgroundWorkers,
			QueueSize:          c.Pool.QueueSize,
		},
		Retry: cache.RetryPolicy{
			MaxAttempts: c.Cache.Retry.MaxAttempts,
			BaseDelay:   c.Cache.Retry.BaseDelay,
			MaxDelay:    c.Cache.Retry.MaxDelay,
			Multiplier:  2,
		},
		Refresh: refresh.Config{
			Interval:       c.Refresh.Interval,
			MarginFraction: c.Refresh.MarginFraction,
			MinMargin:      c.Refresh.MinMargin,
			Rate:           rate.Limit(c.Refresh.Rate),
			Burst:          c.Refresh.Burst,
		},
		DisableRefresh: !c.Refresh.Enabled,
		Attribution:    attribution,
		Correlation: correlation.Config{
			MaxLag:     c.Correlation.MaxLag,
			MinOverlap: c.Correlation.MinOverlap,
		},
		Anomaly: anomaly.Config{
			Window:         c.Anomaly.Window,
			ZThreshold:     c.Anomaly.ZThreshold,
			TrendThreshold: c.Anomaly.TrendThreshold,
		},
		MaxSeriesPeriods: config.MaxSeriesPeriods,
	}, nil
}

// Engine answers statistics, comparison, correlation and anomaly queries
type Engine struct {
	store     storage.Store
	pool      *worker.Pool
	cache     *cache.Manager
	daily     *rollup.Daily
	weekly    *rollup.Weekly
	monthly   *rollup.Monthly
	analyzer  *correlation.Analyzer
	detector  *anomaly.Detector
	scheduler *refresh.Scheduler

	maxSeries int
	logger    *zap.Logger
	closeOnce sync.Once
}

// New wires an engine over store and starts its pool and refresh loop
func New(store storage.Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine requires a record store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Pool.InteractiveWorkers == 0 {
		cfg.Pool.InteractiveWorkers = 8
		cfg.Pool.BackgroundWorkers = 2
	}
	cfg.Pool.Logger = logger

	pool, err := worker.New(cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	metrics, err := cache.NewMetrics(cfg.Registerer)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Registerer != nil {
		if err := pool.RegisterMetrics(cfg.Registerer); err != nil {
			pool.Close()
			return nil, err
		}
	}

	manager, err := cache.New(cache.Config{
		Tiers: cfg.Tiers,
		Pool:  pool,
		Retry: cfg.Retry,
		Permanent: func(err error) bool {
			return errors.Is(err, stats.ErrInvalidRange)
		},
		ForgetInvalidated: cfg.DisableRefresh,
		Metrics:           metrics,
		Logger:            logger,
		Now:               cfg.Now,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create cache manager: %w", err)
	}

	e := &Engine{
		store:     store,
		pool:      pool,
		cache:     manager,
		daily:     rollup.NewDaily(store),
		maxSeries: cfg.MaxSeriesPeriods,
		logger:    logger.Named("engine"),
	}
	children := rollup.SourceFunc(e.child)
	e.weekly = rollup.NewWeekly(children)
	e.monthly = rollup.NewMonthly(children, cfg.Attribution)
	e.analyzer = correlation.New(e, cfg.Correlation)
	e.detector = anomaly.New(e, cfg.Anomaly)

	if !cfg.DisableRefresh {
		rc := cfg.Refresh
		rc.Logger = logger
		e.scheduler = refresh.New(manager, rc)
		e.scheduler.Start()
	}
	return e, nil
}

// compute is the cache computation of one statistics key
func (e *Engine) compute(key stats.PeriodKey) func(ctx context.Context) (stats.PeriodStatistics, error) {
	return func(ctx context.Context) (stats.PeriodStatistics, error) {
		switch key.Granularity {
		case stats.Week:
			return e.weekly.Compute(ctx, key)
		case stats.Month:
			return e.monthly.Compute(ctx, key)
		default:
			return e.daily.Compute(ctx, key)
		}
	}
}

func (e *Engine) get(ctx context.Context, key stats.PeriodKey, priority worker.Priority) (stats.PeriodStatistics, error) {
	return cache.Get(ctx, e.cache, e.statisticsKey(key), e.compute(key), priority)
}

// child reads a component period from inside a parent computation
func (e *Engine) child(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	return e.get(ctx, key.Canonical(), worker.Interactive)
}

func prepare(key stats.PeriodKey) (stats.PeriodKey, error) {
	key = key.Canonical()
	if err := key.Validate(); err != nil {
		return stats.PeriodKey{}, err
	}
	return key, nil
}

// Statistics returns the statistics of one period, computing them if needed.
// A zero-count result is returned with Missing set, not as an error.
func (e *Engine) Statistics(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	key, err := prepare(key)
	if err != nil {
		return stats.PeriodStatistics{}, err
	}
	return e.get(ctx, key, worker.Interactive)
}

// TryStatistics never blocks: it returns the fresh cached value, or schedules an
// interactive computation and returns cache.ErrPending.
func (e *Engine) TryStatistics(key stats.PeriodKey) (stats.PeriodStatistics, error) {
	key, err := prepare(key)
	if err != nil {
		return stats.PeriodStatistics{}, err
	}
	ck := e.statisticsKey(key)
	if v, ok := cache.Lookup[stats.PeriodStatistics](e.cache, ck); ok {
		return v, nil
	}

	compute := e.compute(key)
	fresh, err := e.cache.Schedule(ck, func(ctx context.Context) (any, error) { return compute(ctx) }, worker.Interactive)
	if err != nil {
		return stats.PeriodStatistics{}, err
	}
	if fresh {
		if v, ok := cache.Lookup[stats.PeriodStatistics](e.cache, ck); ok {
			return v, nil
		}
	}
	return stats.PeriodStatistics{}, cache.ErrPending
}

// StatisticsAsync computes the statistics of key and hands the outcome to fn on
// another goroutine.
func (e *Engine) StatisticsAsync(ctx context.Context, key stats.PeriodKey, fn func(stats.PeriodStatistics, error)) {
	go func() {
		fn(e.Statistics(ctx, key))
	}()
}

// Stale returns the last known statistics of key, expired or not, and their age
func (e *Engine) Stale(key stats.PeriodKey) (stats.PeriodStatistics, time.Duration, bool) {
	key, err := prepare(key)
	if err != nil {
		return stats.PeriodStatistics{}, 0, false
	}
	v, age, ok := e.cache.PeekStale(e.statisticsKey(key))
	if !ok {
		return stats.PeriodStatistics{}, 0, false
	}
	s, ok := v.(stats.PeriodStatistics)
	return s, age, ok
}

// Compare computes key and its baseline and derives the growth between them
func (e *Engine) Compare(ctx context.Context, key stats.PeriodKey, against rollup.Against) (rollup.Comparison, error) {
	switch against {
	case "":
		against = rollup.PreviousPeriod
	case rollup.PreviousPeriod, rollup.YearAgo:
	default:
		return rollup.Comparison{}, fmt.Errorf("%w: unknown comparison %q", stats.ErrInvalidRange, against)
	}
	key, err := prepare(key)
	if err != nil {
		return rollup.Comparison{}, err
	}
	base := against.Baseline(key)

	var current, previous stats.PeriodStatistics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		current, err = e.get(gctx, key, worker.Interactive)
		return err
	})
	g.Go(func() error {
		var err error
		previous, err = e.get(gctx, base, worker.Interactive)
		return err
	})
	if err := g.Wait(); err != nil {
		return rollup.Comparison{}, err
	}
	return rollup.Compare(current, previous, against), nil
}

// Series materializes one statistics record per period of g covering [start, end)
func (e *Engine) Series(ctx context.Context, metric string, sources []string, g stats.Granularity, start, end time.Time) ([]stats.PeriodStatistics, error) {
	if metric == "" {
		return nil, fmt.Errorf("%w: metric is required", stats.ErrInvalidRange)
	}
	switch g {
	case stats.Day, stats.Week, stats.Month:
	default:
		return nil, fmt.Errorf("%w: unknown granularity %q", stats.ErrInvalidRange, g)
	}
	if !stats.Date(end).After(stats.Date(start)) {
		return nil, fmt.Errorf("%w: end is not after start", stats.ErrInvalidRange)
	}

	keys := stats.Periods(metric, sources, g, start, end)
	if e.maxSeries > 0 && len(keys) > e.maxSeries {
		return nil, fmt.Errorf("%w: %d periods requested, at most %d allowed", stats.ErrInvalidRange, len(keys), e.maxSeries)
	}

	out := make([]stats.PeriodStatistics, len(keys))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(seriesFetchLimit)
	for i, k := range keys {
		eg.Go(func() error {
			s, err := e.get(gctx, k, worker.Interactive)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CorrelationDefaults returns the analyzer settings used when a request leaves them out
func (e *Engine) CorrelationDefaults() correlation.Config {
	return e.analyzer.Config()
}

// Correlation correlates two metrics, caching the result per request
func (e *Engine) Correlation(ctx context.Context, req correlation.Request) (correlation.Result, error) {
	req.Sources = canonicalSources(req.Sources)
	req.Start, req.End = stats.Date(req.Start), stats.Date(req.End)
	if err := e.analyzer.Check(req); err != nil {
		return correlation.Result{}, err
	}
	return cache.Get(ctx, e.cache, correlationKey(req), func(ctx context.Context) (correlation.Result, error) {
		return e.analyzer.Correlate(ctx, req)
	}, worker.Interactive)
}

// CorrelationMatrix correlates every pair of metrics; each pair is cached on its own
func (e *Engine) CorrelationMatrix(ctx context.Context, req correlation.MatrixRequest) (correlation.Matrix, error) {
	req.Sources = canonicalSources(req.Sources)
	return e.analyzer.Matrix(ctx, req, e.Correlation)
}

// AnomalyDefaults returns the detector settings
func (e *Engine) AnomalyDefaults() anomaly.Config {
	return e.detector.Config()
}

// Anomalies runs both anomaly detectors over a metric range
func (e *Engine) Anomalies(ctx context.Context, req anomaly.Request) (anomaly.Report, error) {
	req.Sources = canonicalSources(req.Sources)
	req.Start, req.End = stats.Date(req.Start), stats.Date(req.End)
	if err := req.Validate(); err != nil {
		return anomaly.Report{}, err
	}
	return cache.Get(ctx, e.cache, anomalyKey(req, e.detector.Config()), func(ctx context.Context) (anomaly.Report, error) {
		return e.detector.Detect(ctx, req)
	}, worker.Interactive)
}

// Subscribe delivers the statistics of key exactly once: at once when cached, otherwise
// when the computation it schedules resolves. Values are stats.PeriodStatistics.
func (e *Engine) Subscribe(key stats.PeriodKey) (<-chan cache.Result, func(), error) {
	key, err := prepare(key)
	if err != nil {
		return nil, nil, err
	}
	ck := e.statisticsKey(key)
	ch, cancel := e.cache.Subscribe(ck)

	compute := e.compute(key)
	if _, err := e.cache.Schedule(ck, func(ctx context.Context) (any, error) { return compute(ctx) }, worker.Interactive); err != nil && !errors.Is(err, cache.ErrClosed) {
		cancel()
		return nil, nil, err
	}
	return ch, cancel, nil
}

// OnDataChanged invalidates every result that read metric from source within
// [start, end) and asks the scheduler to re-warm them. An empty source means all
// sources. The range is widened to whole UTC days. It returns the affected count.
func (e *Engine) OnDataChanged(metric, source string, start, end time.Time) int {
	from := stats.Date(start.UTC())
	to := stats.Date(end.UTC())
	if !end.UTC().Equal(to) || !to.After(from) {
		to = to.AddDate(0, 0, 1)
	}

	affected := e.cache.Invalidate(cache.Overlapping(metric, source, from, to))
	e.logger.Debug("data changed",
		zap.String("metric", metric),
		zap.String("source", source),
		zap.Time("start", from),
		zap.Time("end", to),
		zap.Int("affected", affected))

	if affected > 0 && e.scheduler != nil {
		e.scheduler.Trigger()
	}
	return affected
}

// Prewarm loads the daily statistics of [start, end) with a single store query and
// stores them in the cache. Days are reserved before the query, so a change landing
// while it runs discards the affected days instead of caching them. Days already cached
// or being computed are left alone. It returns the number of days stored.
func (e *Engine) Prewarm(ctx context.Context, metric string, sources []string, start, end time.Time) (int, error) {
	if metric == "" {
		return 0, fmt.Errorf("%w: metric is required", stats.ErrInvalidRange)
	}
	if !stats.Date(end).After(stats.Date(start)) {
		return 0, fmt.Errorf("%w: end is not after start", stats.ErrInvalidRange)
	}

	res := e.cache.Reserve()
	defer res.Release()

	reserved := 0
	for _, key := range stats.Periods(metric, sources, stats.Day, start, end) {
		compute := e.compute(key)
		ok, err := res.Add(e.statisticsKey(key), func(ctx context.Context) (any, error) { return compute(ctx) })
		if err != nil {
			return 0, err
		}
		if ok {
			reserved++
		}
	}
	if reserved == 0 {
		return 0, nil
	}

	days, err := e.daily.ComputeRange(ctx, metric, sources, start, end)
	if err != nil {
		return 0, err
	}
	stored := 0
	for _, day := range days {
		ok, err := res.Fulfill(e.statisticsKey(day.Key), day)
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}
	e.logger.Info("prewarmed daily statistics",
		zap.String("metric", metric),
		zap.Int("days", len(days)),
		zap.Int("stored", stored))
	return stored, nil
}

// Health is the engine's operational snapshot
type Health struct {
	Healthy bool            `json:"healthy"`
	Cache   cache.Stats     `json:"cache"`
	Pool    worker.Stats    `json:"pool"`
	Refresh *refresh.Status `json:"refresh,omitempty"`
}

// Health reports cache occupancy, pool activity and refresh status. The engine is
// unhealthy only when background refresh keeps falling behind.
func (e *Engine) Health() Health {
	h := Health{
		Healthy: true,
		Cache:   e.cache.Stats(),
		Pool:    e.pool.Stats(),
	}
	if e.scheduler != nil {
		status := e.scheduler.Monitor().Status()
		h.Refresh = &status
		h.Healthy = status.Healthy || status.LastAttempt == ""
	}
	return h
}

// Close stops background refresh, wakes every waiter and subscriber with
// cache.ErrClosed and drains the pool. The store is left open.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.scheduler != nil {
			e.scheduler.Stop()
		}
		e.cache.Close()
		e.pool.Close()
		e.logger.Info("engine closed")
	})
}
