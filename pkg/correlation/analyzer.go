// Package correlation computes Pearson and lagged correlation between metric series.
//
// Series are materialized through the cache as one PeriodStatistics per period, so
// every analysis windows its data exactly like the statistics it was built from.
// Pairs where either period is empty are excluded and the effective sample size is
// reported alongside each coefficient.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/healthobs/pkg/stats"
)

var (
	// ErrSameMetric is returned when both sides of a correlation are the same metric
	ErrSameMetric = fmt.Errorf("%w: correlation needs two different metrics", stats.ErrInvalidRange)
	// ErrTooFewMetrics is returned for a matrix over fewer than two metrics
	ErrTooFewMetrics = fmt.Errorf("%w: correlation matrix needs at least two metrics", stats.ErrInvalidRange)
)

// SeriesSource materializes consecutive period statistics for a metric
type SeriesSource interface {
	Series(ctx context.Context, metric string, sources []string, g stats.Granularity, start, end time.Time) ([]stats.PeriodStatistics, error)
}

// Config holds analysis settings. MaxLag is both the default and the largest lag a
// request may search.
type Config struct {
	MaxLag     int
	MinOverlap int
}

// CheckLag rejects a requested lag search wider than the configured one
func (c Config) CheckLag(maxLag int) error {
	if maxLag > c.MaxLag {
		return fmt.Errorf("%w: max lag %d exceeds the limit of %d", stats.ErrInvalidRange, maxLag, c.MaxLag)
	}
	return nil
}

// DefaultConfig searches lags within ±7 periods and needs 3 paired periods
func DefaultConfig() Config {
	return Config{MaxLag: 7, MinOverlap: 3}
}

// Request selects two metrics over a common range
type Request struct {
	MetricA     string            `json:"metric_a"`
	MetricB     string            `json:"metric_b"`
	Sources     []string          `json:"sources,omitempty"`
	Granularity stats.Granularity `json:"granularity"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	MaxLag      int               `json:"max_lag"`
}

// LagCoefficient is the correlation at one lag
type LagCoefficient struct {
	Lag         int         `json:"lag"`
	Coefficient stats.Float `json:"coefficient"`
	N           int         `json:"n"`
}

// Result is the correlation of two metric series
type Result struct {
	Request

	// Coefficient, N and TStatistic are for the unshifted series
	Coefficient stats.Float `json:"coefficient"`
	N           int         `json:"n"`
	TStatistic  stats.Float `json:"t_statistic"`

	BestLag         int         `json:"best_lag"`
	BestCoefficient stats.Float `json:"best_coefficient"`
	BestN           int         `json:"best_n"`

	Lags []LagCoefficient `json:"lags"`

	// InsufficientOverlap is set when fewer than the minimum paired periods exist
	InsufficientOverlap bool `json:"insufficient_overlap"`
}

// Validate rejects malformed requests
func (r Request) Validate() error {
	if r.MetricA == "" || r.MetricB == "" {
		return fmt.Errorf("%w: both metrics are required", stats.ErrInvalidRange)
	}
	if r.MetricA == r.MetricB {
		return ErrSameMetric
	}
	return validateRange(r.Granularity, r.Start, r.End, r.MaxLag)
}

func validateRange(g stats.Granularity, start, end time.Time, maxLag int) error {
	switch g {
	case stats.Day, stats.Week, stats.Month:
	default:
		return fmt.Errorf("%w: unknown granularity %q", stats.ErrInvalidRange, g)
	}
	if !stats.Date(end).After(stats.Date(start)) {
		return fmt.Errorf("%w: end is not after start", stats.ErrInvalidRange)
	}
	if maxLag < 0 {
		return fmt.Errorf("%w: max lag must not be negative", stats.ErrInvalidRange)
	}
	return nil
}

// Analyze correlates two aligned series. Lags are searched within ±maxLag;
// the best lag has the largest |r|, ties going to the smallest |lag|.
func Analyze(a, b []stats.PeriodStatistics, maxLag, minOverlap int) Result {
	var res Result

	best := -1.0
	for _, lag := range lagOrder(maxLag) {
		xs, ys := Align(a, b, lag)
		lc := LagCoefficient{Lag: lag, N: len(xs)}
		if r, ok := Pearson(xs, ys); ok {
			lc.Coefficient = stats.Some(r)
		}
		res.Lags = append(res.Lags, lc)

		if lag == 0 {
			res.Coefficient = lc.Coefficient
			res.N = lc.N
			if lc.Coefficient.Valid {
				res.TStatistic = TStatistic(lc.Coefficient.Value, lc.N)
			}
		}

		if lc.N < minOverlap || !lc.Coefficient.Valid {
			continue
		}
		if abs := math.Abs(lc.Coefficient.Value); abs > best+tieTolerance {
			best = abs
			res.BestLag = lag
			res.BestCoefficient = lc.Coefficient
			res.BestN = lc.N
		}
	}

	res.InsufficientOverlap = res.N < minOverlap
	if res.InsufficientOverlap {
		res.Coefficient = stats.None
		res.TStatistic = stats.None
	}
	sortLags(res.Lags)
	return res
}

// lagOrder is 0, -1, 1, -2, 2, ... so earlier lags win ties
func lagOrder(maxLag int) []int {
	lags := []int{0}
	for k := 1; k <= maxLag; k++ {
		lags = append(lags, -k, k)
	}
	return lags
}

func sortLags(lags []LagCoefficient) {
	sort.Slice(lags, func(i, j int) bool { return lags[i].Lag < lags[j].Lag })
}

// Analyzer fetches series and correlates them
type Analyzer struct {
	series SeriesSource
	cfg    Config
}

// New creates an analyzer over a series source. A zero Config uses DefaultConfig.
func New(series SeriesSource, cfg Config) *Analyzer {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if cfg.MinOverlap <= 0 {
		cfg.MinOverlap = DefaultConfig().MinOverlap
	}
	if cfg.MaxLag < 0 {
		cfg.MaxLag = DefaultConfig().MaxLag
	}
	return &Analyzer{series: series, cfg: cfg}
}

// Config returns the analyzer settings
func (a *Analyzer) Config() Config {
	return a.cfg
}

// Check validates req against the analyzer's limits
func (a *Analyzer) Check(req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return a.cfg.CheckLag(req.MaxLag)
}

// Correlate fetches both series in parallel and correlates them
func (a *Analyzer) Correlate(ctx context.Context, req Request) (Result, error) {
	if err := a.Check(req); err != nil {
		return Result{}, err
	}

	var seriesA, seriesB []stats.PeriodStatistics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		seriesA, err = a.series.Series(gctx, req.MetricA, req.Sources, req.Granularity, req.Start, req.End)
		return err
	})
	g.Go(func() error {
		var err error
		seriesB, err = a.series.Series(gctx, req.MetricB, req.Sources, req.Granularity, req.Start, req.End)
		return err
	})
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("failed to materialize series: %w", err)
	}

	res := Analyze(seriesA, seriesB, req.MaxLag, a.cfg.MinOverlap)
	res.Request = req
	return res, nil
}

// MatrixRequest selects several metrics over a common range
type MatrixRequest struct {
	Metrics     []string          `json:"metrics"`
	Sources     []string          `json:"sources,omitempty"`
	Granularity stats.Granularity `json:"granularity"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	MaxLag      int               `json:"max_lag"`
}

// Matrix holds pairwise lag-0 coefficients; the diagonal is 1
type Matrix struct {
	Metrics      []string        `json:"metrics"`
	Coefficients [][]stats.Float `json:"coefficients"`
	Pairs        []Result        `json:"pairs"`
}

// Validate rejects malformed matrix requests
func (r MatrixRequest) Validate() error {
	if len(r.Metrics) < 2 {
		return ErrTooFewMetrics
	}
	seen := make(map[string]bool, len(r.Metrics))
	for _, m := range r.Metrics {
		if m == "" {
			return fmt.Errorf("%w: empty metric name", stats.ErrInvalidRange)
		}
		if seen[m] {
			return fmt.Errorf("%w: metric %q listed twice", ErrSameMetric, m)
		}
		seen[m] = true
	}
	return validateRange(r.Granularity, r.Start, r.End, r.MaxLag)
}

// Pair is the two-metric request for metrics i and j of the matrix
func (r MatrixRequest) Pair(i, j int) Request {
	return Request{
		MetricA:     r.Metrics[i],
		MetricB:     r.Metrics[j],
		Sources:     r.Sources,
		Granularity: r.Granularity,
		Start:       r.Start,
		End:         r.End,
		MaxLag:      r.MaxLag,
	}
}

// Matrix correlates every pair of metrics. pair computes one pair, which lets the
// caller cache pairs individually; nil uses Correlate.
func (a *Analyzer) Matrix(ctx context.Context, req MatrixRequest, pair func(context.Context, Request) (Result, error)) (Matrix, error) {
	if err := req.Validate(); err != nil {
		return Matrix{}, err
	}
	if err := a.cfg.CheckLag(req.MaxLag); err != nil {
		return Matrix{}, err
	}
	if pair == nil {
		pair = a.Correlate
	}

	n := len(req.Metrics)
	out := Matrix{
		Metrics:      req.Metrics,
		Coefficients: make([][]stats.Float, n),
	}
	for i := range out.Coefficients {
		out.Coefficients[i] = make([]stats.Float, n)
		out.Coefficients[i][i] = stats.Some(1)
	}

	type job struct{ i, j int }
	var jobs []job
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			jobs = append(jobs, job{i, j})
		}
	}

	results := make([]Result, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for idx, jb := range jobs {
		g.Go(func() error {
			res, err := pair(gctx, req.Pair(jb.i, jb.j))
			if err != nil {
				return err
			}
			results[idx] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, stats.ErrInvalidRange) {
			return Matrix{}, err
		}
		return Matrix{}, fmt.Errorf("failed to correlate matrix: %w", err)
	}

	for idx, jb := range jobs {
		out.Coefficients[jb.i][jb.j] = results[idx].Coefficient
		out.Coefficients[jb.j][jb.i] = results[idx].Coefficient
	}
	out.Pairs = results
	return out, nil
}
