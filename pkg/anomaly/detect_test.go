package anomaly

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/healthobs/pkg/stats"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func days(metric string, first time.Time, means ...float64) []stats.PeriodStatistics {
	out := make([]stats.PeriodStatistics, len(means))
	for i, m := range means {
		key := stats.DayKey(metric, nil, first.AddDate(0, 0, i))
		if math.IsNaN(m) {
			out[i] = stats.Empty(key)
			continue
		}
		out[i] = stats.PeriodStatistics{Key: key, Count: 5, Mean: stats.Some(m), Min: stats.Some(m),
			Max: stats.Some(m), Median: stats.Some(m), StdDev: stats.Some(0)}
	}
	return out
}

// baseline alternates 99 and 101: mean 100, standard deviation 1
func baseline(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 99
		if i%2 == 1 {
			out[i] = 101
		}
	}
	return out
}

func TestOutlierTenSigma(t *testing.T) {
	series := days("hr", start, append(baseline(30), 110)...)
	report := Detect(series, 30, DefaultConfig())

	require.Equal(t, 1, report.Evaluated)
	require.Len(t, report.Statistical, 1)
	f := report.Statistical[0]
	assert.Equal(t, start.AddDate(0, 0, 30), f.Period)
	assert.InDelta(t, 10.0, f.Score.Value, 1e-9)
	assert.InDelta(t, 100.0, f.Baseline, 1e-9)
	assert.Equal(t, High, f.Severity)
	assert.False(t, report.InsufficientHistory)
}

func TestWithinOneSigmaNotFlagged(t *testing.T) {
	series := days("hr", start, append(baseline(30), 100.8)...)
	report := Detect(series, 30, DefaultConfig())

	assert.Equal(t, 1, report.Evaluated)
	assert.Empty(t, report.Statistical)
	assert.Empty(t, report.Trend)
}

func TestSeverityGrades(t *testing.T) {
	base := baseline(30)
	cases := []struct {
		mean float64
		want Severity
		ok   bool
	}{
		{102.4, "", false},
		{102.6, Low, true},
		{96.0, Medium, true},
		{106.0, High, true},
	}
	for _, tc := range cases {
		f, ok := Outlier(start, tc.mean, base, 2.5)
		assert.Equal(t, tc.ok, ok, "mean %v", tc.mean)
		assert.Equal(t, tc.want, f.Severity, "mean %v", tc.mean)
	}
}

func TestFlatBaseline(t *testing.T) {
	flat := []float64{50, 50, 50}

	_, ok := Outlier(start, 50, flat, 2.5)
	assert.False(t, ok)

	f, ok := Outlier(start, 51, flat, 2.5)
	require.True(t, ok)
	assert.False(t, f.Score.Valid)
	assert.Equal(t, High, f.Severity)
}

func TestTrendDeviation(t *testing.T) {
	base := []float64{100, 100, 100, 1000, 100}

	f, ok := Deviation(start, 140, base, 0.25)
	require.True(t, ok)
	assert.InDelta(t, 0.4, f.Score.Value, 1e-12)
	assert.Equal(t, Medium, f.Severity)
	assert.Equal(t, 100.0, f.Baseline, "median ignores the spike")

	_, ok = Deviation(start, 120, base, 0.25)
	assert.False(t, ok)

	f, ok = Deviation(start, 40, base, 0.25)
	require.True(t, ok)
	assert.Equal(t, High, f.Severity)

	_, ok = Deviation(start, 0, []float64{0, 0}, 0.25)
	assert.False(t, ok)
	f, ok = Deviation(start, 3, []float64{0, 0}, 0.25)
	require.True(t, ok)
	assert.False(t, f.Score.Valid)
}

func TestInsufficientHistory(t *testing.T) {
	series := days("hr", start, 100, 101, 250)
	report := Detect(series, 0, DefaultConfig())

	assert.True(t, report.InsufficientHistory)
	assert.Equal(t, 0, report.Evaluated)
	assert.Len(t, report.Skipped, 3)
	assert.Empty(t, report.Statistical)
}

func TestEmptyPeriodsAreNotHistory(t *testing.T) {
	cfg := Config{Window: 4, ZThreshold: 2.5, TrendThreshold: 0.25}
	nan := math.NaN()
	series := days("hr", start, 99, nan, 101, 99, nan, 101, 130, nan)

	report := Detect(series, 6, cfg)
	assert.Equal(t, 1, report.Evaluated)
	require.Len(t, report.Statistical, 1)
	assert.Equal(t, start.AddDate(0, 0, 6), report.Statistical[0].Period)

	sev := report.Severities(Statistical)
	assert.Equal(t, High, sev[start.AddDate(0, 0, 6)])
	assert.Len(t, report.Severities(Trend), 1)
}

type fakeSeries struct {
	data []stats.PeriodStatistics
}

func (f *fakeSeries) Series(_ context.Context, _ string, _ []string, _ stats.Granularity, from, to time.Time) ([]stats.PeriodStatistics, error) {
	var out []stats.PeriodStatistics
	for _, p := range f.data {
		if !p.Key.Start.Before(from) && p.Key.Start.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestDetectorFetchesHistory(t *testing.T) {
	means := append(baseline(30), 100, 110, 99)
	src := &fakeSeries{data: days("hr", start, means...)}
	d := New(src, Config{})

	assert.Equal(t, DefaultConfig(), d.Config())

	report, err := d.Detect(context.Background(), Request{
		Metric: "hr", Granularity: stats.Day,
		Start: start.AddDate(0, 0, 30), End: start.AddDate(0, 0, 33),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Evaluated)
	assert.Equal(t, "hr", report.Metric)

	sev := report.Severities(Statistical)
	assert.Len(t, sev, 1)
	assert.Equal(t, High, sev[start.AddDate(0, 0, 31)])
}

func TestRequestValidation(t *testing.T) {
	d := New(&fakeSeries{}, DefaultConfig())
	_, err := d.Detect(context.Background(), Request{Metric: "hr", Granularity: stats.Day, Start: start, End: start})
	assert.ErrorIs(t, err, stats.ErrInvalidRange)
	_, err = d.Detect(context.Background(), Request{Granularity: stats.Day, Start: start, End: start.AddDate(0, 0, 1)})
	assert.ErrorIs(t, err, stats.ErrInvalidRange)
	_, err = d.Detect(context.Background(), Request{Metric: "hr", Granularity: "year", Start: start, End: start.AddDate(0, 0, 1)})
	assert.ErrorIs(t, err, stats.ErrInvalidRange)
}
