package cache

import (
	"time"
)

// Tier is a cache partition with its own capacity and TTL
type Tier string

const (
	TierDay         Tier = "day"
	TierWeek        Tier = "week"
	TierMonth       Tier = "month"
	TierCorrelation Tier = "correlation"
	TierAnomaly     Tier = "anomaly"
)

// Tiers lists every tier in dependency order
var Tiers = []Tier{TierDay, TierWeek, TierMonth, TierCorrelation, TierAnomaly}

// Tag describes the data an entry depends on.
// An empty Sources slice means the entry reads all sources. The range is half-open.
type Tag struct {
	Metric  string
	Sources []string
	Start   time.Time
	End     time.Time
}

// Key identifies a cached result
type Key struct {
	ID   string
	Tier Tier
	Tags []Tag
}

func (k Key) String() string {
	return k.ID
}

// Predicate selects the tags an invalidation applies to
type Predicate func(Tag) bool

// Overlapping matches tags that read metric from source within [start, end).
// An empty source matches every source filter.
func Overlapping(metric, source string, start, end time.Time) Predicate {
	return func(t Tag) bool {
		if t.Metric != metric {
			return false
		}
		if !start.Before(t.End) || !t.Start.Before(end) {
			return false
		}
		if source == "" || len(t.Sources) == 0 {
			return true
		}
		for _, s := range t.Sources {
			if s == source {
				return true
			}
		}
		return false
	}
}

// ForMetric matches every tag of a metric
func ForMetric(metric string) Predicate {
	return func(t Tag) bool { return t.Metric == metric }
}

func (k Key) matches(pred Predicate) bool {
	for _, t := range k.Tags {
		if pred(t) {
			return true
		}
	}
	return false
}
