package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/healthobs/pkg/anomaly"
	"github.com/nicktill/healthobs/pkg/cache"
	"github.com/nicktill/healthobs/pkg/correlation"
	"github.com/nicktill/healthobs/pkg/stats"
)

func tierOf(g stats.Granularity) cache.Tier {
	switch g {
	case stats.Week:
		return cache.TierWeek
	case stats.Month:
		return cache.TierMonth
	default:
		return cache.TierDay
	}
}

func joinSources(sources []string) string {
	if len(sources) == 0 {
		return "*"
	}
	return strings.Join(sources, ",")
}

// statisticsKey maps a canonical period key onto its cache key. The tag covers
// every day the value reads, which for a month is the span of its attributed weeks.
func (e *Engine) statisticsKey(key stats.PeriodKey) cache.Key {
	start, end := key.Start, key.End
	if key.Granularity == stats.Month {
		if weeks := e.monthly.Weeks(key); len(weeks) > 0 {
			start = weeks[0]
			end = weeks[len(weeks)-1].AddDate(0, 0, 7)
		}
	}
	return cache.Key{
		ID:   "stats|" + key.String(),
		Tier: tierOf(key.Granularity),
		Tags: []cache.Tag{{Metric: key.Metric, Sources: key.Sources, Start: start, End: end}},
	}
}

// span is the day range read by the periods of g covering [start, end)
func span(g stats.Granularity, start, end time.Time) (time.Time, time.Time) {
	first := stats.KeyFor("", nil, g, start)
	last := stats.KeyFor("", nil, g, stats.Date(end).AddDate(0, 0, -1))
	s, e := first.Start, last.End
	if g == stats.Month {
		// attributed weeks may reach into the neighbouring months
		s = stats.Monday(s)
		e = stats.Monday(e).AddDate(0, 0, 7)
	}
	return s, e
}

func canonicalSources(sources []string) []string {
	return stats.PeriodKey{Sources: sources}.Canonical().Sources
}

func correlationKey(req correlation.Request) cache.Key {
	start, end := span(req.Granularity, req.Start, req.End)
	return cache.Key{
		ID: fmt.Sprintf("correlation|%s|%s|%s|%s|%s|%s|%d",
			req.MetricA, req.MetricB, joinSources(req.Sources), req.Granularity,
			stats.Date(req.Start).Format(time.DateOnly), stats.Date(req.End).Format(time.DateOnly), req.MaxLag),
		Tier: cache.TierCorrelation,
		Tags: []cache.Tag{
			{Metric: req.MetricA, Sources: req.Sources, Start: start, End: end},
			{Metric: req.MetricB, Sources: req.Sources, Start: start, End: end},
		},
	}
}

func anomalyKey(req anomaly.Request, cfg anomaly.Config) cache.Key {
	first := stats.KeyFor(req.Metric, req.Sources, req.Granularity, req.Start).Start
	start, end := span(req.Granularity, stats.Step(req.Granularity, first, -cfg.Window), req.End)
	return cache.Key{
		ID: fmt.Sprintf("anomaly|%s|%s|%s|%s|%s|w%d|z%g|t%g",
			req.Metric, joinSources(req.Sources), req.Granularity,
			stats.Date(req.Start).Format(time.DateOnly), stats.Date(req.End).Format(time.DateOnly),
			cfg.Window, cfg.ZThreshold, cfg.TrendThreshold),
		Tier: cache.TierAnomaly,
		Tags: []cache.Tag{{Metric: req.Metric, Sources: req.Sources, Start: start, End: end}},
	}
}
