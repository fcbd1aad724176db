package rollup

import (
	"context"
	"fmt"

	"github.com/nicktill/healthobs/pkg/stats"
)

// Weekly aggregates Daily results into calendar-week or rolling 7-day windows
type Weekly struct {
	days Source
}

// NewWeekly creates a weekly calculator reading days from source
func NewWeekly(days Source) *Weekly {
	return &Weekly{days: days}
}

// Compute combines the days of one week.
// Calendar keys cover an ISO week (Monday start); rolling keys cover the trailing 7 days.
func (w *Weekly) Compute(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	if key.Granularity != stats.Week {
		return stats.PeriodStatistics{}, fmt.Errorf("%w: weekly calculator got %s key", stats.ErrInvalidRange, key.Granularity)
	}
	if err := key.Validate(); err != nil {
		return stats.PeriodStatistics{}, err
	}

	var c stats.Combiner
	for _, day := range key.Days() {
		child, err := w.days.Statistics(ctx, stats.DayKey(key.Metric, key.Sources, day))
		if err != nil {
			return stats.PeriodStatistics{}, err
		}
		c.Add(child)
	}
	return c.Result(key), nil
}
