package rollup

import (
	"context"

	"github.com/nicktill/healthobs/pkg/stats"
)

// Source yields statistics for child periods
type Source interface {
	Statistics(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error)

// Statistics implements Source
func (f SourceFunc) Statistics(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	return f(ctx, key)
}
