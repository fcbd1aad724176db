package rollup

import (
	"github.com/nicktill/healthobs/pkg/stats"
)

// Against selects the baseline period of a comparison
type Against string

const (
	// PreviousPeriod compares with the immediately preceding period (DoD, WoW, MoM)
	PreviousPeriod Against = "previous"
	// YearAgo compares with the same period one year earlier (YoY)
	YearAgo Against = "year"
)

// Baseline returns the key to compare key against
func (a Against) Baseline(key stats.PeriodKey) stats.PeriodKey {
	if a == YearAgo {
		return key.YearAgo()
	}
	return key.Previous()
}

// Comparison is a derived growth figure between two periods
type Comparison struct {
	Current   stats.PeriodStatistics `json:"current"`
	Previous  stats.PeriodStatistics `json:"previous"`
	Against   Against                `json:"against"`
	Growth    stats.Float            `json:"growth"`
	Available bool                   `json:"available"`
	Reason    string                 `json:"reason,omitempty"`
}

// Compare computes growth = (current.mean - previous.mean) / previous.mean.
// Growth stays undefined, with a reason, when either side has no data or the
// previous mean is zero.
func Compare(current, previous stats.PeriodStatistics, against Against) Comparison {
	c := Comparison{Current: current, Previous: previous, Against: against}

	switch {
	case previous.Count == 0:
		c.Reason = "no comparison available: previous period has no data"
	case current.Count == 0:
		c.Reason = "no comparison available: current period has no data"
	case previous.Mean.Value == 0:
		c.Reason = "no comparison available: previous mean is zero"
	default:
		c.Growth = stats.Some((current.Mean.Value - previous.Mean.Value) / previous.Mean.Value)
		c.Available = true
	}
	return c
}
