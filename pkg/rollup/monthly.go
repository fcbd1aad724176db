package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/healthobs/pkg/stats"
)

// Attribution decides which month a calendar week belongs to.
// ok is false when the week belongs to no month.
type Attribution interface {
	Month(weekStart time.Time) (month time.Time, ok bool)
}

// MajorityDay attributes a week to the month holding at least MinDays of its 7 days
type MajorityDay struct {
	MinDays int
}

// Month implements Attribution
func (m MajorityDay) Month(weekStart time.Time) (time.Time, bool) {
	counts := make(map[time.Time]int, 2)
	for i := 0; i < 7; i++ {
		counts[stats.MonthStart(weekStart.AddDate(0, 0, i))]++
	}

	var best time.Time
	bestDays := 0
	for month, days := range counts {
		if days > bestDays {
			best, bestDays = month, days
		}
	}
	if bestDays < m.MinDays {
		return time.Time{}, false
	}
	return best, true
}

// WeekStart attributes a week to the month of its Monday
type WeekStart struct{}

// Month implements Attribution
func (WeekStart) Month(weekStart time.Time) (time.Time, bool) {
	return stats.MonthStart(weekStart), true
}

// AttributionByName resolves the configured policy name
func AttributionByName(name string, minDays int) (Attribution, error) {
	switch name {
	case "", "majority":
		return MajorityDay{MinDays: minDays}, nil
	case "week_start":
		return WeekStart{}, nil
	default:
		return nil, fmt.Errorf("unknown month attribution %q", name)
	}
}

// Monthly aggregates Weekly results into calendar months
type Monthly struct {
	weeks       Source
	attribution Attribution
}

// NewMonthly creates a monthly calculator reading calendar weeks from source
func NewMonthly(weeks Source, attribution Attribution) *Monthly {
	if attribution == nil {
		attribution = MajorityDay{MinDays: 4}
	}
	return &Monthly{weeks: weeks, attribution: attribution}
}

// Weeks lists the Mondays of the calendar weeks attributed to the month key
func (m *Monthly) Weeks(key stats.PeriodKey) []time.Time {
	var weeks []time.Time
	for monday := stats.Monday(key.Start); monday.Before(key.End); monday = monday.AddDate(0, 0, 7) {
		if month, ok := m.attribution.Month(monday); ok && month.Equal(key.Start) {
			weeks = append(weeks, monday)
		}
	}
	return weeks
}

// Compute combines the weeks attributed to one calendar month
func (m *Monthly) Compute(ctx context.Context, key stats.PeriodKey) (stats.PeriodStatistics, error) {
	if key.Granularity != stats.Month {
		return stats.PeriodStatistics{}, fmt.Errorf("%w: monthly calculator got %s key", stats.ErrInvalidRange, key.Granularity)
	}
	if err := key.Validate(); err != nil {
		return stats.PeriodStatistics{}, err
	}

	var c stats.Combiner
	for _, monday := range m.Weeks(key) {
		child, err := m.weeks.Statistics(ctx, stats.CalendarWeekKey(key.Metric, key.Sources, monday))
		if err != nil {
			return stats.PeriodStatistics{}, err
		}
		c.Add(child)
	}
	return c.Result(key), nil
}
