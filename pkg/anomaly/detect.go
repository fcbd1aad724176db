// Package anomaly flags unusual periods in a single metric's statistics series.
//
// Two detectors run independently over per-period means:
//   - statistical: z-score against the mean and standard deviation of the trailing window
//   - trend: relative deviation from the median of the trailing window
//
// The trailing window is the Window most recent non-empty periods before the one being
// judged. Periods with less history than that are reported as skipped instead of being
// judged against a short baseline.
package anomaly

import (
	"math"
	"sort"
	"time"

	"github.com/nicktill/healthobs/pkg/stats"
)

// Severity grades a finding
type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// Kind names the detector that produced a finding
type Kind string

const (
	Statistical Kind = "statistical"
	Trend       Kind = "trend"
)

// Config holds detector settings
type Config struct {
	Window         int     `json:"window"`
	ZThreshold     float64 `json:"z_threshold"`
	TrendThreshold float64 `json:"trend_threshold"`
}

// DefaultConfig uses a 30-period window, |z| > 2.5 and a 25% trend deviation
func DefaultConfig() Config {
	return Config{Window: 30, ZThreshold: 2.5, TrendThreshold: 0.25}
}

// Finding is one flagged period
type Finding struct {
	Period   time.Time `json:"period"`
	Kind     Kind      `json:"kind"`
	Mean     float64   `json:"mean"`
	Baseline float64   `json:"baseline"`

	// Spread is the baseline standard deviation (statistical findings only)
	Spread stats.Float `json:"spread"`

	// Score is z for statistical findings and the relative deviation for trend findings.
	// It is undefined when the baseline has no spread (or is zero, for trend).
	Score    stats.Float `json:"score"`
	Severity Severity    `json:"severity"`
}

// grade maps a score to a severity at 1x, 1.5x and 2x the threshold
func grade(score, threshold float64) (Severity, bool) {
	s := math.Abs(score)
	switch {
	case s >= 2*threshold:
		return High, true
	case s >= 1.5*threshold:
		return Medium, true
	case s > threshold:
		return Low, true
	default:
		return "", false
	}
}

// trailing collects the means of the last n non-empty periods before index i
func trailing(series []stats.PeriodStatistics, i, n int) []float64 {
	out := make([]float64, 0, n)
	for j := i - 1; j >= 0 && len(out) < n; j-- {
		if series[j].Count > 0 {
			out = append(out, series[j].Mean.Value)
		}
	}
	if len(out) < n {
		return nil
	}
	return out
}

func meanStd(xs []float64) (float64, float64) {
	var acc stats.Accumulator
	for _, x := range xs {
		acc.Add(x)
	}
	res := acc.Result(stats.PeriodKey{})
	return res.Mean.Value, res.StdDev.Value
}

func medianOf(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Outlier judges one period's mean against its trailing baseline with a z-score.
// A baseline without spread flags any differing mean as high severity.
func Outlier(period time.Time, mean float64, baseline []float64, threshold float64) (Finding, bool) {
	center, spread := meanStd(baseline)
	f := Finding{Period: period, Kind: Statistical, Mean: mean, Baseline: center, Spread: stats.Some(spread)}

	if spread == 0 {
		if mean == center {
			return f, false
		}
		f.Severity = High
		return f, true
	}

	z := (mean - center) / spread
	f.Score = stats.Some(z)
	sev, flagged := grade(z, threshold)
	f.Severity = sev
	return f, flagged
}

// Deviation judges one period's mean against the median of its trailing baseline
func Deviation(period time.Time, mean float64, baseline []float64, threshold float64) (Finding, bool) {
	center := medianOf(baseline)
	f := Finding{Period: period, Kind: Trend, Mean: mean, Baseline: center}

	if center == 0 {
		if mean == 0 {
			return f, false
		}
		f.Severity = High
		return f, true
	}

	rel := (mean - center) / math.Abs(center)
	f.Score = stats.Some(rel)
	sev, flagged := grade(rel, threshold)
	f.Severity = sev
	return f, flagged
}

// Report is the anomaly analysis of one metric over a range
type Report struct {
	Metric      string            `json:"metric"`
	Sources     []string          `json:"sources,omitempty"`
	Granularity stats.Granularity `json:"granularity"`
	Start       time.Time         `json:"start"`
	End         time.Time         `json:"end"`
	Config      Config            `json:"config"`

	// Evaluated counts periods judged by both detectors
	Evaluated int `json:"evaluated"`
	// Skipped lists non-empty periods without enough history
	Skipped []time.Time `json:"skipped,omitempty"`
	// InsufficientHistory is set when no period could be judged
	InsufficientHistory bool `json:"insufficient_history"`

	Statistical []Finding `json:"statistical"`
	Trend       []Finding `json:"trend"`
}

// Severities maps each flagged period to its severity for one detector
func (r Report) Severities(kind Kind) map[time.Time]Severity {
	findings := r.Statistical
	if kind == Trend {
		findings = r.Trend
	}
	out := make(map[time.Time]Severity, len(findings))
	for _, f := range findings {
		out[f.Period] = f.Severity
	}
	return out
}

// Detect runs both detectors over series[from:], using everything before each
// period as history. Empty periods are neither judged nor counted as history.
func Detect(series []stats.PeriodStatistics, from int, cfg Config) Report {
	report := Report{Config: cfg}

	for i := from; i < len(series); i++ {
		p := series[i]
		if p.Count == 0 {
			continue
		}
		baseline := trailing(series, i, cfg.Window)
		if baseline == nil {
			report.Skipped = append(report.Skipped, p.Key.Start)
			continue
		}
		report.Evaluated++

		if f, ok := Outlier(p.Key.Start, p.Mean.Value, baseline, cfg.ZThreshold); ok {
			report.Statistical = append(report.Statistical, f)
		}
		if f, ok := Deviation(p.Key.Start, p.Mean.Value, baseline, cfg.TrendThreshold); ok {
			report.Trend = append(report.Trend, f)
		}
	}

	report.InsufficientHistory = report.Evaluated == 0
	return report
}
