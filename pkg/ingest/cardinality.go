package ingest

import (
	"errors"
	"sync"
)

// Default series limits
const (
	DefaultMaxSeries           = 100000
	DefaultMaxSourcesPerMetric = 10000
)

var (
	// ErrCardinalityLimit is returned when the total series limit is exceeded
	ErrCardinalityLimit = errors.New("cardinality limit exceeded")

	// ErrMetricCardinalityLimit is returned when one metric has too many sources
	ErrMetricCardinalityLimit = errors.New("metric cardinality limit exceeded")
)

type series struct {
	metric string
	source string
}

// CardinalityTracker bounds the number of distinct (metric, source) series
type CardinalityTracker struct {
	mu sync.RWMutex

	maxSeries    int
	maxPerMetric int

	seen        map[series]struct{}
	seriesCount map[string]int
}

// NewCardinalityTracker creates a tracker; non-positive limits use the defaults
func NewCardinalityTracker(maxSeries, maxPerMetric int) *CardinalityTracker {
	if maxSeries <= 0 {
		maxSeries = DefaultMaxSeries
	}
	if maxPerMetric <= 0 {
		maxPerMetric = DefaultMaxSourcesPerMetric
	}
	return &CardinalityTracker{
		maxSeries:    maxSeries,
		maxPerMetric: maxPerMetric,
		seen:         make(map[series]struct{}),
		seriesCount:  make(map[string]int),
	}
}

// Check reports whether accepting (metric, source) stays within the limits
func (c *CardinalityTracker) Check(metric, source string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.seen[series{metric, source}]; ok {
		return nil
	}
	if len(c.seen) >= c.maxSeries {
		return ErrCardinalityLimit
	}
	if c.seriesCount[metric] >= c.maxPerMetric {
		return ErrMetricCardinalityLimit
	}
	return nil
}

// Record marks a series as seen. Call it after Check passes.
func (c *CardinalityTracker) Record(metric, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := series{metric, source}
	if _, ok := c.seen[key]; ok {
		return
	}
	c.seen[key] = struct{}{}
	c.seriesCount[metric]++
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalSeries     int     `json:"total_series"`
	UniqueMetrics   int     `json:"unique_metrics"`
	MaxSeriesMetric string  `json:"max_series_metric"`
	MaxSeriesCount  int     `json:"max_series_count"`
	SeriesLimit     int     `json:"series_limit"`
	PerMetricLimit  int     `json:"per_metric_limit"`
	UtilizationPct  float64 `json:"utilization_percent"`
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var maxMetric string
	var maxCount int
	for name, count := range c.seriesCount {
		if count > maxCount || (count == maxCount && name < maxMetric) {
			maxCount = count
			maxMetric = name
		}
	}

	return CardinalityStats{
		TotalSeries:     len(c.seen),
		UniqueMetrics:   len(c.seriesCount),
		MaxSeriesMetric: maxMetric,
		MaxSeriesCount:  maxCount,
		SeriesLimit:     c.maxSeries,
		PerMetricLimit:  c.maxPerMetric,
		UtilizationPct:  float64(len(c.seen)) / float64(c.maxSeries) * 100,
	}
}
