package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/healthobs/pkg/stats"
	"github.com/nicktill/healthobs/pkg/storage"
)

// Daily aggregates raw observations into one statistics record per UTC calendar day
type Daily struct {
	store storage.Store
}

// NewDaily creates a daily calculator over a record store
func NewDaily(store storage.Store) *Daily {
	return &Daily{store: store}
}

// Compute aggregates the observations of one day
func (d *Daily) Compute(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	if key.Granularity != stats.Day {
		return stats.PeriodStatistics{}, fmt.Errorf("%w: daily calculator got %s key", stats.ErrInvalidRange, key.Granularity)
	}
	if err := key.Validate(); err != nil {
		return stats.PeriodStatistics{}, err
	}

	observations, err := d.store.Query(ctx, storage.QueryRequest{
		Metric:  key.Metric,
		Sources: key.Sources,
		Start:   key.Start,
		End:     key.End,
	})
	if err != nil {
		return stats.PeriodStatistics{}, fmt.Errorf("failed to query observations for %s: %w", key, err)
	}

	var acc stats.Accumulator
	for _, o := range observations {
		acc.Add(o.Value)
	}
	return acc.Result(key), nil
}

// ComputeRange aggregates every day in [start, end) from a single store query.
// Days without observations are returned as empty statistics, so the result always
// holds one entry per day in order.
func (d *Daily) ComputeRange(ctx context.Context, metric string, sources []string, start, end time.Time) ([]stats.PeriodStatistics, error) {
	first := stats.Date(start)
	last := stats.Date(end)
	if !last.After(first) {
		return nil, fmt.Errorf("%w: end %s is not after start %s", stats.ErrInvalidRange,
			last.Format(time.DateOnly), first.Format(time.DateOnly))
	}

	keys := stats.Periods(metric, sources, stats.Day, first, last)
	observations, err := d.store.Query(ctx, storage.QueryRequest{
		Metric:  metric,
		Sources: keys[0].Sources,
		Start:   first,
		End:     last,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query observations for %s: %w", metric, err)
	}

	// Group by UTC day into buckets indexed by day offset
	buckets := make([]stats.Accumulator, len(keys))
	for _, o := range observations {
		idx := int(stats.Date(o.Timestamp.UTC()).Sub(first) / (24 * time.Hour))
		if idx < 0 || idx >= len(buckets) {
			continue
		}
		buckets[idx].Add(o.Value)
	}

	results := make([]stats.PeriodStatistics, len(keys))
	for i, k := range keys {
		results[i] = buckets[i].Result(k)
	}
	return results, nil
}
