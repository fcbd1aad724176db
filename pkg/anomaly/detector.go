package anomaly

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/healthobs/pkg/stats"
)

// SeriesSource materializes consecutive period statistics for a metric
type SeriesSource interface {
	Series(ctx context.Context, metric string, sources []string, g stats.Granularity, start, end time.Time) ([]stats.PeriodStatistics, error)
}

// Request selects a metric range to analyze
type Request struct {
	Metric      string            `json:"metric"`
	Sources     []string          `json:"sources,omitempty"`
	Granularity stats.Granularity `json:"granularity"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
}

// Validate rejects malformed requests
func (r Request) Validate() error {
	if r.Metric == "" {
		return fmt.Errorf("%w: metric is required", stats.ErrInvalidRange)
	}
	switch r.Granularity {
	case stats.Day, stats.Week, stats.Month:
	default:
		return fmt.Errorf("%w: unknown granularity %q", stats.ErrInvalidRange, r.Granularity)
	}
	if !stats.Date(r.End).After(stats.Date(r.Start)) {
		return fmt.Errorf("%w: end is not after start", stats.ErrInvalidRange)
	}
	return nil
}

// Detector fetches a series with its history and runs both detectors
type Detector struct {
	series SeriesSource
	cfg    Config
}

// New creates a detector
func New(series SeriesSource, cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window < 2 {
		cfg.Window = def.Window
	}
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = def.ZThreshold
	}
	if cfg.TrendThreshold <= 0 {
		cfg.TrendThreshold = def.TrendThreshold
	}
	return &Detector{series: series, cfg: cfg}
}

// Config returns the detector settings
func (d *Detector) Config() Config {
	return d.cfg
}

// Detect analyzes the periods in the request range. The Window periods before the
// range are fetched alongside it as history.
func (d *Detector) Detect(ctx context.Context, req Request) (Report, error) {
	if err := req.Validate(); err != nil {
		return Report{}, err
	}

	first := stats.KeyFor(req.Metric, req.Sources, req.Granularity, req.Start).Start
	historyStart := stats.Step(req.Granularity, first, -d.cfg.Window)

	var history, current []stats.PeriodStatistics
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = d.series.Series(gctx, req.Metric, req.Sources, req.Granularity, historyStart, first)
		return err
	})
	g.Go(func() error {
		var err error
		current, err = d.series.Series(gctx, req.Metric, req.Sources, req.Granularity, first, req.End)
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("failed to materialize series: %w", err)
	}

	all := make([]stats.PeriodStatistics, 0, len(history)+len(current))
	all = append(all, history...)
	all = append(all, current...)

	report := Detect(all, len(history), d.cfg)
	report.Metric = req.Metric
	report.Sources = req.Sources
	report.Granularity = req.Granularity
	report.Start = req.Start
	report.End = req.End
	return report, nil
}
