package correlation

import (
	"math"

	"github.com/nicktill/healthobs/pkg/stats"
)

// tieTolerance treats coefficients this close as equal when picking the best lag
const tieTolerance = 1e-9

// Pearson is the sample correlation coefficient of two equal-length series.
// ok is false with fewer than two pairs or when either series is constant.
func Pearson(xs, ys []float64) (r float64, ok bool) {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0, false
	}

	var meanX, meanY float64
	for i := range xs {
		meanX += xs[i]
		meanY += ys[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	var sxy, sxx, syy float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}

	r = sxy / math.Sqrt(sxx*syy)
	// Clamp rounding drift
	return math.Max(-1, math.Min(1, r)), true
}

// TStatistic is r * sqrt((n-2) / (1-r^2)), undefined for n < 3 or |r| = 1
func TStatistic(r float64, n int) stats.Float {
	if n < 3 || math.Abs(r) >= 1 {
		return stats.None
	}
	return stats.Some(r * math.Sqrt(float64(n-2)/(1-r*r)))
}

// Align pairs a[i] with b[i+lag], skipping periods that are empty in either series.
// A positive lag means b trails a by lag periods.
func Align(a, b []stats.PeriodStatistics, lag int) (xs, ys []float64) {
	for i := range a {
		j := i + lag
		if j < 0 || j >= len(b) {
			continue
		}
		if a[i].Count == 0 || b[j].Count == 0 {
			continue
		}
		xs = append(xs, a[i].Mean.Value)
		ys = append(ys, b[j].Mean.Value)
	}
	return xs, ys
}
