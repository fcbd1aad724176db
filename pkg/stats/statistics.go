package stats

import (
	"fmt"
	"math"
	"time"
)

// PeriodStatistics is the rollup of one period.
// When Count is zero every numeric field is undefined, never zero-filled.
type PeriodStatistics struct {
	Key    PeriodKey `json:"key"`
	Count  int64     `json:"count"`
	Mean   Float     `json:"mean"`
	Min    Float     `json:"min"`
	Max    Float     `json:"max"`
	Median Float     `json:"median"`
	StdDev Float     `json:"std_dev"`

	// M2 is the sum of squared deviations from the mean.
	// It is what lets coarser periods recombine variance exactly.
	M2 float64 `json:"m2"`

	// Missing is set when the period has no data or any child period is empty
	Missing bool `json:"missing"`

	// Children are the starts of the child periods the value was derived from,
	// empty children included. Daily statistics have none.
	Children      []time.Time `json:"children,omitempty"`
	EmptyChildren int         `json:"empty_children,omitempty"`

	// Excluded counts missing (NaN/Inf) observations dropped at the daily layer
	Excluded int64 `json:"excluded,omitempty"`
}

// Empty builds the zero-count result for a key
func Empty(key PeriodKey) PeriodStatistics {
	return PeriodStatistics{Key: key, Missing: true}
}

// IsEmpty reports a zero-count period
func (s PeriodStatistics) IsEmpty() bool {
	return s.Count == 0
}

// Sum is mean times count, the additive form used for weighted recombination
func (s PeriodStatistics) Sum() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Mean.Value * float64(s.Count)
}

// Variance is the population variance, undefined for empty periods
func (s PeriodStatistics) Variance() Float {
	if s.Count == 0 {
		return None
	}
	return Some(s.M2 / float64(s.Count))
}

// Validate checks the shape invariants of a stored statistic
func (s PeriodStatistics) Validate() error {
	if s.Count < 0 {
		return fmt.Errorf("negative count %d", s.Count)
	}
	fields := []Float{s.Mean, s.Min, s.Max, s.Median, s.StdDev}
	if s.Count == 0 {
		for _, f := range fields {
			if f.Valid {
				return fmt.Errorf("empty period %s carries a defined statistic", s.Key)
			}
		}
		return nil
	}
	for _, f := range fields {
		if !f.Valid || math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
			return fmt.Errorf("period %s with count %d has an undefined statistic", s.Key, s.Count)
		}
	}
	if s.Min.Value > s.Max.Value {
		return fmt.Errorf("period %s has min %v above max %v", s.Key, s.Min.Value, s.Max.Value)
	}
	if s.M2 < 0 {
		return fmt.Errorf("period %s has negative m2", s.Key)
	}
	return nil
}
