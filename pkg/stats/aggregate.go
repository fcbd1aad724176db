package stats

import (
	"math"
	"sort"
	"time"
)

// Accumulator aggregates raw values in a single pass.
// Mean and variance use Welford's update to avoid precision loss on large counts.
type Accumulator struct {
	count    int64
	mean     float64
	m2       float64
	min      float64
	max      float64
	values   []float64
	excluded int64
}

// Add folds one value in. NaN and infinite values are counted as excluded.
func (a *Accumulator) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		a.excluded++
		return
	}

	a.count++
	if a.count == 1 {
		a.min, a.max = v, v
	} else {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}

	delta := v - a.mean
	a.mean += delta / float64(a.count)
	a.m2 += delta * (v - a.mean)

	a.values = append(a.values, v)
}

// Count is the number of values folded in, excluded ones not counted
func (a *Accumulator) Count() int64 {
	return a.count
}

// Result finalizes the accumulator into statistics for key
func (a *Accumulator) Result(key PeriodKey) PeriodStatistics {
	if a.count == 0 {
		s := Empty(key)
		s.Excluded = a.excluded
		return s
	}

	return PeriodStatistics{
		Key:      key,
		Count:    a.count,
		Mean:     Some(a.mean),
		Min:      Some(a.min),
		Max:      Some(a.max),
		Median:   Some(median(a.values)),
		StdDev:   Some(math.Sqrt(a.m2 / float64(a.count))),
		M2:       a.m2,
		Excluded: a.excluded,
	}
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Combiner rolls child statistics up into a coarser period without touching raw records.
//
// Mean is the count-weighted mean (sum of per-child sums over total count, never an
// average of averages), min/max are element-wise reductions, and M2 is merged with
// Chan's parallel-variance formula. Median is the count-weighted median of the child
// medians, which is exact only at the daily layer.
type Combiner struct {
	count    int64
	sum      float64
	m2       float64
	min      float64
	max      float64
	medians  []weightedValue
	children []time.Time
	empty    int
	excluded int64
}

type weightedValue struct {
	value  float64
	weight int64
}

// Add folds one child period in. Empty children are recorded but contribute nothing.
func (c *Combiner) Add(child PeriodStatistics) {
	c.children = append(c.children, child.Key.Start)
	c.excluded += child.Excluded
	if child.Count == 0 {
		c.empty++
		return
	}

	n := child.Count
	mean := child.Mean.Value
	if c.count == 0 {
		c.min, c.max = child.Min.Value, child.Max.Value
		c.m2 = child.M2
	} else {
		c.min = math.Min(c.min, child.Min.Value)
		c.max = math.Max(c.max, child.Max.Value)

		runningMean := c.sum / float64(c.count)
		delta := mean - runningMean
		total := float64(c.count + n)
		c.m2 += child.M2 + delta*delta*float64(c.count)*float64(n)/total
	}

	c.count += n
	c.sum += mean * float64(n)
	c.medians = append(c.medians, weightedValue{value: child.Median.Value, weight: n})
}

// Result finalizes the combination into statistics for key
func (c *Combiner) Result(key PeriodKey) PeriodStatistics {
	out := PeriodStatistics{
		Key:           key,
		Children:      c.children,
		EmptyChildren: c.empty,
		Missing:       c.empty > 0 || c.count == 0,
		Excluded:      c.excluded,
	}
	if c.count == 0 {
		return out
	}

	m2 := math.Max(c.m2, 0)
	out.Count = c.count
	out.Mean = Some(c.sum / float64(c.count))
	out.Min = Some(c.min)
	out.Max = Some(c.max)
	out.Median = Some(weightedMedian(c.medians))
	out.StdDev = Some(math.Sqrt(m2 / float64(c.count)))
	out.M2 = m2
	return out
}

func weightedMedian(values []weightedValue) float64 {
	sorted := make([]weightedValue, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value < sorted[j].value })

	var total int64
	for _, v := range sorted {
		total += v.weight
	}

	var cum int64
	for i, v := range sorted {
		cum += v.weight
		if 2*cum == total && i+1 < len(sorted) {
			return (v.value + sorted[i+1].value) / 2
		}
		if 2*cum >= total {
			return v.value
		}
	}
	return sorted[len(sorted)-1].value
}
