package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Granularity is the length of a statistics period
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// Mode selects how a period is aligned
type Mode string

const (
	// Calendar periods are aligned to calendar boundaries (ISO weeks start on Monday)
	Calendar Mode = "calendar"
	// Rolling periods are trailing windows ending at a caller-supplied date
	Rolling Mode = "rolling"
)

const dateLayout = "2006-01-02"

// PeriodKey uniquely identifies one computed statistic.
// Start and End are UTC midnights and the range is half-open: [Start, End).
// An empty Sources slice means all sources.
type PeriodKey struct {
	Metric      string      `json:"metric"`
	Sources     []string    `json:"sources,omitempty"`
	Granularity Granularity `json:"granularity"`
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Mode        Mode        `json:"mode"`
}

// Date returns UTC midnight of t's calendar date, read in t's own location.
// A local midnight therefore stays on the same date.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidRange, s)
	}
	return t, nil
}

// FormatDate renders t's calendar date the way ParseDate reads it
func FormatDate(t time.Time) string {
	return Date(t).Format(dateLayout)
}

// Monday returns the ISO week start of the week containing t
func Monday(t time.Time) time.Time {
	d := Date(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// MonthStart returns the first day of t's month
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// DayKey is the key of one calendar day
func DayKey(metric string, sources []string, day time.Time) PeriodKey {
	start := Date(day)
	return PeriodKey{
		Metric:      metric,
		Sources:     sources,
		Granularity: Day,
		Start:       start,
		End:         start.AddDate(0, 0, 1),
		Mode:        Calendar,
	}.Canonical()
}

// CalendarWeekKey is the key of the ISO week containing day
func CalendarWeekKey(metric string, sources []string, day time.Time) PeriodKey {
	start := Monday(day)
	return PeriodKey{
		Metric:      metric,
		Sources:     sources,
		Granularity: Week,
		Start:       start,
		End:         start.AddDate(0, 0, 7),
		Mode:        Calendar,
	}.Canonical()
}

// RollingWeekKey is the trailing 7-day window ending at (and including) end
func RollingWeekKey(metric string, sources []string, end time.Time) PeriodKey {
	last := Date(end)
	return PeriodKey{
		Metric:      metric,
		Sources:     sources,
		Granularity: Week,
		Start:       last.AddDate(0, 0, -6),
		End:         last.AddDate(0, 0, 1),
		Mode:        Rolling,
	}.Canonical()
}

// MonthKey is the key of one calendar month
func MonthKey(metric string, sources []string, year int, month time.Month) PeriodKey {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return PeriodKey{
		Metric:      metric,
		Sources:     sources,
		Granularity: Month,
		Start:       start,
		End:         start.AddDate(0, 1, 0),
		Mode:        Calendar,
	}.Canonical()
}

// KeyFor builds the calendar key of granularity g containing date
func KeyFor(metric string, sources []string, g Granularity, date time.Time) PeriodKey {
	switch g {
	case Week:
		return CalendarWeekKey(metric, sources, date)
	case Month:
		d := Date(date)
		return MonthKey(metric, sources, d.Year(), d.Month())
	default:
		return DayKey(metric, sources, date)
	}
}

// Step moves a period start by n periods of granularity g
func Step(g Granularity, start time.Time, n int) time.Time {
	switch g {
	case Week:
		return start.AddDate(0, 0, 7*n)
	case Month:
		return start.AddDate(0, n, 0)
	default:
		return start.AddDate(0, 0, n)
	}
}

// Periods enumerates consecutive calendar keys of granularity g covering [start, end).
// The first key is the period containing start; keys stop once a period starts at or after end.
func Periods(metric string, sources []string, g Granularity, start, end time.Time) []PeriodKey {
	end = Date(end)
	var keys []PeriodKey
	for k := KeyFor(metric, sources, g, start); k.Start.Before(end); k = KeyFor(metric, sources, g, k.End) {
		keys = append(keys, k)
	}
	return keys
}

// Canonical returns the key with sources sorted and deduplicated, dates normalized to
// UTC midnight and the default mode filled in, so equal logical queries compare equal.
func (k PeriodKey) Canonical() PeriodKey {
	out := k
	out.Start = Date(k.Start)
	out.End = Date(k.End)
	if out.Mode == "" {
		out.Mode = Calendar
	}

	out.Sources = nil
	if len(k.Sources) > 0 {
		seen := make(map[string]struct{}, len(k.Sources))
		for _, s := range k.Sources {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out.Sources = append(out.Sources, s)
		}
		sort.Strings(out.Sources)
	}
	return out
}

// Validate rejects malformed keys: unknown granularity or mode, inverted or empty range,
// and ranges that do not match the granularity.
func (k PeriodKey) Validate() error {
	if k.Metric == "" {
		return fmt.Errorf("%w: metric is required", ErrInvalidRange)
	}
	if !k.End.After(k.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRange,
			k.End.Format(dateLayout), k.Start.Format(dateLayout))
	}
	if !k.Start.Equal(Date(k.Start)) || !k.End.Equal(Date(k.End)) {
		return fmt.Errorf("%w: bounds must be UTC midnights", ErrInvalidRange)
	}

	switch k.Mode {
	case Calendar, Rolling:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRange, k.Mode)
	}

	switch k.Granularity {
	case Day:
		if k.Mode != Calendar || !k.End.Equal(k.Start.AddDate(0, 0, 1)) {
			return fmt.Errorf("%w: day period must span exactly one calendar day", ErrInvalidRange)
		}
	case Week:
		if !k.End.Equal(k.Start.AddDate(0, 0, 7)) {
			return fmt.Errorf("%w: week period must span 7 days", ErrInvalidRange)
		}
		if k.Mode == Calendar && k.Start.Weekday() != time.Monday {
			return fmt.Errorf("%w: calendar week must start on Monday", ErrInvalidRange)
		}
	case Month:
		if k.Mode != Calendar {
			return fmt.Errorf("%w: month periods are calendar only", ErrInvalidRange)
		}
		if k.Start.Day() != 1 || !k.End.Equal(k.Start.AddDate(0, 1, 0)) {
			return fmt.Errorf("%w: month period must span one calendar month", ErrInvalidRange)
		}
	default:
		return fmt.Errorf("%w: unknown granularity %q", ErrInvalidRange, k.Granularity)
	}
	return nil
}

// Previous returns the period immediately before k
func (k PeriodKey) Previous() PeriodKey {
	out := k
	out.Start = Step(k.Granularity, k.Start, -1)
	out.End = Step(k.Granularity, k.End, -1)
	return out
}

// YearAgo returns the comparable period one year earlier.
// Calendar weeks map to the ISO week containing the same date a year ago.
func (k PeriodKey) YearAgo() PeriodKey {
	switch {
	case k.Granularity == Week && k.Mode == Calendar:
		return CalendarWeekKey(k.Metric, k.Sources, k.Start.AddDate(-1, 0, 0))
	case k.Granularity == Week:
		return RollingWeekKey(k.Metric, k.Sources, k.End.AddDate(0, 0, -1).AddDate(-1, 0, 0))
	case k.Granularity == Month:
		return MonthKey(k.Metric, k.Sources, k.Start.Year()-1, k.Start.Month())
	default:
		return DayKey(k.Metric, k.Sources, k.Start.AddDate(-1, 0, 0))
	}
}

// Days lists the calendar days in the key's range
func (k PeriodKey) Days() []time.Time {
	var days []time.Time
	for d := k.Start; d.Before(k.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains reports whether t falls inside the key's range
func (k PeriodKey) Contains(t time.Time) bool {
	return !t.Before(k.Start) && t.Before(k.End)
}

// String is the canonical text form, used verbatim as the cache key
func (k PeriodKey) String() string {
	sources := "*"
	if len(k.Sources) > 0 {
		sources = strings.Join(k.Sources, ",")
	}
	return strings.Join([]string{
		k.Metric,
		sources,
		string(k.Granularity),
		k.Start.Format(dateLayout),
		k.End.Format(dateLayout),
		string(k.Mode),
	}, "|")
}

// ID is a stable 64-bit hash of the canonical form
func (k PeriodKey) ID() uint64 {
	return xxhash.Sum64String(k.String())
}
