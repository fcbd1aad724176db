package server

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/stats"
)

// sources reads repeated or comma-separated source parameters
func sources(q url.Values) []string {
	var out []string
	for _, v := range q["source"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func granularity(q url.Values) (stats.Granularity, error) {
	switch g := stats.Granularity(q.Get("granularity")); g {
	case "":
		return stats.Day, nil
	case stats.Day, stats.Week, stats.Month:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown granularity %q", stats.ErrInvalidRange, g)
	}
}

func requiredDate(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", stats.ErrInvalidRange, name)
	}
	return stats.ParseDate(v)
}

func required(q url.Values, name string) (string, error) {
	v := q.Get(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", stats.ErrInvalidRange, name)
	}
	return v, nil
}

// periodKey reads the key of a single period. Calendar periods are the ones containing
// start; a rolling week ends at end (inclusive), or at start when end is absent.
func periodKey(q url.Values) (stats.PeriodKey, error) {
	metric, err := required(q, "metric")
	if err != nil {
		return stats.PeriodKey{}, err
	}
	g, err := granularity(q)
	if err != nil {
		return stats.PeriodKey{}, err
	}
	start, err := requiredDate(q, "start")
	if err != nil {
		return stats.PeriodKey{}, err
	}
	srcs := sources(q)

	switch mode := stats.Mode(q.Get("mode")); mode {
	case "", stats.Calendar:
		return stats.KeyFor(metric, srcs, g, start), nil
	case stats.Rolling:
		if g != stats.Week {
			return stats.PeriodKey{}, fmt.Errorf("%w: rolling mode is only defined for weeks", stats.ErrInvalidRange)
		}
		end := start
		if q.Get("end") != "" {
			if end, err = stats.ParseDate(q.Get("end")); err != nil {
				return stats.PeriodKey{}, err
			}
		}
		return stats.RollingWeekKey(metric, srcs, end), nil
	default:
		return stats.PeriodKey{}, fmt.Errorf("%w: unknown mode %q", stats.ErrInvalidRange, mode)
	}
}

// rangeParams reads metric-independent range parameters
type rangeParams struct {
	granularity stats.Granularity
	start, end  time.Time
	sources     []string
}

func parseRange(q url.Values) (rangeParams, error) {
	g, err := granularity(q)
	if err != nil {
		return rangeParams{}, err
	}
	start, err := requiredDate(q, "start")
	if err != nil {
		return rangeParams{}, err
	}
	end, err := requiredDate(q, "end")
	if err != nil {
		return rangeParams{}, err
	}
	return rangeParams{granularity: g, start: start, end: end, sources: sources(q)}, nil
}

// waitTimeout reads the timeout parameter, bounded by the request timeout
func waitTimeout(q url.Values, limit time.Duration) (time.Duration, error) {
	timeout := config.StatisticsWaitTimeout
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("%w: bad timeout %q", stats.ErrInvalidRange, v)
		}
		timeout = d
	}
	return min(timeout, limit), nil
}

func optionalInt(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: bad %s %q", stats.ErrInvalidRange, name, v)
	}
	return n, nil
}

func optionalBool(q url.Values, name string, def bool) (bool, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: bad %s %q", stats.ErrInvalidRange, name, v)
	}
	return b, nil
}
