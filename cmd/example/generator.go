package main

import (
	"math"
	"math/rand"
	"time"

	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/stats"
)

// profile describes one synthetic series
type profile struct {
	metric  string
	source  string
	base    float64
	weekend float64 // added on Saturdays and Sundays
	noise   float64 // standard deviation
	perDay  int
	trend   float64 // added per day
}

var profiles = []profile{
	{metric: "heart_rate", source: "watch", base: 62, weekend: -2, noise: 1.5, perDay: 24},
	{metric: "steps", source: "phone", base: 8500, weekend: 2500, noise: 1200, perDay: 1},
	{metric: "sleep_hours", source: "watch", base: 7.1, weekend: 0.8, noise: 0.4, perDay: 1},
	{metric: "weight_kg", source: "scale", base: 74, noise: 0.2, perDay: 1, trend: -0.02},
}

// spikeDelta is added to heart_rate on the final day so the detector has something to find
const spikeDelta = 14

// generate produces days of observations starting at start. missingRate of them
// carry a null value.
func generate(start time.Time, days int, r *rand.Rand, missingRate float64) []ingest.WireObservation {
	start = stats.Date(start)
	var out []ingest.WireObservation
	for d := 0; d < days; d++ {
		day := start.AddDate(0, 0, d)
		weekend := day.Weekday() == time.Saturday || day.Weekday() == time.Sunday
		for _, p := range profiles {
			step := 24 * time.Hour / time.Duration(p.perDay)
			for i := 0; i < p.perDay; i++ {
				o := ingest.WireObservation{
					Timestamp: day.Add(time.Duration(i)*step + step/2),
					Source:    p.source,
					Metric:    p.metric,
				}
				if r.Float64() >= missingRate {
					v := p.base + p.trend*float64(d) + r.NormFloat64()*p.noise
					if weekend {
						v += p.weekend
					}
					if p.metric == "heart_rate" && d == days-1 {
						v += spikeDelta
					}
					v = math.Round(v*100) / 100
					o.Value = &v
				}
				out = append(out, o)
			}
		}
	}
	return out
}
