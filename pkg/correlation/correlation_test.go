package correlation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/healthobs/pkg/stats"
)

func series(metric string, g stats.Granularity, start time.Time, means ...float64) []stats.PeriodStatistics {
	keys := stats.Periods(metric, nil, g, start, stats.Step(g, start, len(means)))
	out := make([]stats.PeriodStatistics, len(means))
	for i, m := range means {
		if math.IsNaN(m) {
			out[i] = stats.Empty(keys[i])
			continue
		}
		out[i] = stats.PeriodStatistics{
			Key:    keys[i],
			Count:  10,
			Mean:   stats.Some(m),
			Min:    stats.Some(m),
			Max:    stats.Some(m),
			Median: stats.Some(m),
			StdDev: stats.Some(0),
		}
	}
	return out
}

type fakeSeries struct {
	mu    sync.Mutex
	data  map[string][]stats.PeriodStatistics
	calls int
	err   error
}

func (f *fakeSeries) Series(_ context.Context, metric string, _ []string, _ stats.Granularity, _, _ time.Time) ([]stats.PeriodStatistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[metric], nil
}

var jan2024 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPearson(t *testing.T) {
	r, ok := Pearson([]float64{1, 2, 3, 4}, []float64{2, 4, 6, 8})
	require.True(t, ok)
	assert.InDelta(t, 1.0, r, 1e-12)

	r, ok = Pearson([]float64{1, 2, 3, 4}, []float64{8, 6, 4, 2})
	require.True(t, ok)
	assert.InDelta(t, -1.0, r, 1e-12)

	_, ok = Pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
	assert.False(t, ok, "constant series has no correlation")

	_, ok = Pearson([]float64{1}, []float64{1})
	assert.False(t, ok)
}

func TestTStatistic(t *testing.T) {
	assert.False(t, TStatistic(1, 10).Valid)
	assert.False(t, TStatistic(0.5, 2).Valid)
	ts := TStatistic(0.5, 27)
	require.True(t, ts.Valid)
	assert.InDelta(t, 0.5*math.Sqrt(25/0.75), ts.Value, 1e-12)
}

func TestPerfectCorrelationOverTwelveMonths(t *testing.T) {
	means := []float64{3, 7, 4, 9, 1, 6, 8, 2, 5, 10, 4, 7}
	doubled := make([]float64, len(means))
	for i, m := range means {
		doubled[i] = 2 * m
	}
	src := &fakeSeries{data: map[string][]stats.PeriodStatistics{
		"steps":  series("steps", stats.Month, jan2024, means...),
		"energy": series("energy", stats.Month, jan2024, doubled...),
	}}

	a := New(src, DefaultConfig())
	res, err := a.Correlate(context.Background(), Request{
		MetricA: "steps", MetricB: "energy", Granularity: stats.Month,
		Start: jan2024, End: jan2024.AddDate(1, 0, 0), MaxLag: 3,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Coefficient.Value, 1e-9)
	assert.Equal(t, 12, res.N)
	assert.Equal(t, 0, res.BestLag)
	assert.InDelta(t, 1.0, res.BestCoefficient.Value, 1e-9)
	assert.False(t, res.InsufficientOverlap)
	assert.Len(t, res.Lags, 7)
	assert.Equal(t, -3, res.Lags[0].Lag)
	assert.Equal(t, 11, res.Lags[4].N, "lag 1 pairs one period fewer")
	assert.Equal(t, 2, src.calls)
}

func TestLinearSeriesTieGoesToZeroLag(t *testing.T) {
	a := series("a", stats.Day, jan2024, 1, 2, 3, 4, 5, 6, 7, 8)
	b := series("b", stats.Day, jan2024, 2, 4, 6, 8, 10, 12, 14, 16)

	res := Analyze(a, b, 2, 3)
	assert.Equal(t, 0, res.BestLag)
	for _, lc := range res.Lags {
		assert.InDelta(t, 1.0, lc.Coefficient.Value, 1e-9, "lag %d", lc.Lag)
	}
}

func TestLagDetection(t *testing.T) {
	base := []float64{5, 1, 8, 3, 9, 2, 7, 4, 6, 0, 5, 3, 8, 1}
	// b repeats a two periods later
	shifted := append([]float64{4, 4}, base[:len(base)-2]...)
	a := series("a", stats.Day, jan2024, base...)
	b := series("b", stats.Day, jan2024, shifted...)

	res := Analyze(a, b, 4, 3)
	assert.Equal(t, 2, res.BestLag)
	assert.InDelta(t, 1.0, res.BestCoefficient.Value, 1e-9)
	assert.Equal(t, 12, res.BestN)
	assert.Less(t, math.Abs(res.Coefficient.Value), 0.99)
}

func TestEmptyPeriodsExcluded(t *testing.T) {
	nan := math.NaN()
	a := series("a", stats.Week, jan2024, 1, nan, 3, 4, 5)
	b := series("b", stats.Week, jan2024, 2, 4, nan, 8, 10)

	res := Analyze(a, b, 0, 3)
	assert.Equal(t, 3, res.N)
	assert.InDelta(t, 1.0, res.Coefficient.Value, 1e-9)
	assert.False(t, res.InsufficientOverlap)
}

func TestInsufficientOverlap(t *testing.T) {
	nan := math.NaN()
	a := series("a", stats.Day, jan2024, 1, 2, nan, nan)
	b := series("b", stats.Day, jan2024, 2, 3, 5, 1)

	res := Analyze(a, b, 0, 3)
	assert.True(t, res.InsufficientOverlap)
	assert.Equal(t, 2, res.N)
	assert.False(t, res.Coefficient.Valid)
	assert.False(t, res.TStatistic.Valid)
}

func TestRequestValidation(t *testing.T) {
	a := New(&fakeSeries{}, DefaultConfig())
	ctx := context.Background()
	valid := Request{MetricA: "a", MetricB: "b", Granularity: stats.Day, Start: jan2024, End: jan2024.AddDate(0, 0, 10)}

	req := valid
	req.MetricB = "a"
	_, err := a.Correlate(ctx, req)
	assert.ErrorIs(t, err, ErrSameMetric)
	assert.ErrorIs(t, err, stats.ErrInvalidRange)

	req = valid
	req.End = jan2024
	_, err = a.Correlate(ctx, req)
	assert.ErrorIs(t, err, stats.ErrInvalidRange)

	req = valid
	req.Granularity = "hour"
	_, err = a.Correlate(ctx, req)
	assert.ErrorIs(t, err, stats.ErrInvalidRange)

	req = valid
	req.MaxLag = -1
	_, err = a.Correlate(ctx, req)
	assert.ErrorIs(t, err, stats.ErrInvalidRange)
}

func TestLagBoundedByConfig(t *testing.T) {
	src := &fakeSeries{data: map[string][]stats.PeriodStatistics{
		"a": series("a", stats.Day, jan2024, 1, 2, 3, 4, 5),
		"b": series("b", stats.Day, jan2024, 2, 4, 6, 8, 10),
	}}
	a := New(src, Config{MaxLag: 2, MinOverlap: 3})
	ctx := context.Background()
	req := Request{MetricA: "a", MetricB: "b", Granularity: stats.Day, Start: jan2024, End: jan2024.AddDate(0, 0, 5), MaxLag: 500}

	_, err := a.Correlate(ctx, req)
	assert.ErrorIs(t, err, stats.ErrInvalidRange)
	assert.Equal(t, 0, src.calls)

	_, err = a.Matrix(ctx, MatrixRequest{
		Metrics: []string{"a", "b"}, Granularity: stats.Day,
		Start: jan2024, End: jan2024.AddDate(0, 0, 5), MaxLag: 3,
	}, nil)
	assert.ErrorIs(t, err, stats.ErrInvalidRange)
	assert.Equal(t, 0, src.calls)

	req.MaxLag = 2
	res, err := a.Correlate(ctx, req)
	require.NoError(t, err)
	assert.Len(t, res.Lags, 5)

	assert.Equal(t, DefaultConfig(), New(src, Config{}).Config())
}

func TestSeriesErrorPropagates(t *testing.T) {
	boom := errors.New("store down")
	a := New(&fakeSeries{err: boom}, DefaultConfig())
	_, err := a.Correlate(context.Background(), Request{
		MetricA: "a", MetricB: "b", Granularity: stats.Day, Start: jan2024, End: jan2024.AddDate(0, 0, 5),
	})
	assert.ErrorIs(t, err, boom)
}

func TestMatrix(t *testing.T) {
	src := &fakeSeries{data: map[string][]stats.PeriodStatistics{
		"a": series("a", stats.Day, jan2024, 1, 2, 3, 4, 5),
		"b": series("b", stats.Day, jan2024, 2, 4, 6, 8, 10),
		"c": series("c", stats.Day, jan2024, 5, 4, 3, 2, 1),
	}}
	a := New(src, DefaultConfig())

	m, err := a.Matrix(context.Background(), MatrixRequest{
		Metrics: []string{"a", "b", "c"}, Granularity: stats.Day,
		Start: jan2024, End: jan2024.AddDate(0, 0, 5),
	}, nil)
	require.NoError(t, err)
	require.Len(t, m.Pairs, 3)
	assert.Equal(t, 1.0, m.Coefficients[1][1].Value)
	assert.InDelta(t, 1.0, m.Coefficients[0][1].Value, 1e-9)
	assert.InDelta(t, -1.0, m.Coefficients[0][2].Value, 1e-9)
	assert.InDelta(t, -1.0, m.Coefficients[2][1].Value, 1e-9)

	_, err = a.Matrix(context.Background(), MatrixRequest{Metrics: []string{"a"}, Granularity: stats.Day, Start: jan2024, End: jan2024.AddDate(0, 0, 5)}, nil)
	assert.ErrorIs(t, err, ErrTooFewMetrics)

	_, err = a.Matrix(context.Background(), MatrixRequest{Metrics: []string{"a", "a"}, Granularity: stats.Day, Start: jan2024, End: jan2024.AddDate(0, 0, 5)}, nil)
	assert.ErrorIs(t, err, ErrSameMetric)
}
