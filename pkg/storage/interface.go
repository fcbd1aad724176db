package storage

import (
	"context"
	"math"
	"time"
)

// Observation is a single tagged numeric health sample.
// Observations are append-only: the import pipeline adds them, nothing mutates them.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// Missing reports whether the value is absent (NaN or infinite).
// Missing values are excluded from aggregation, never treated as zero.
func (o Observation) Missing() bool {
	return math.IsNaN(o.Value) || math.IsInf(o.Value, 0)
}

// Store is the read-only query interface the metrics engine consumes.
// Query returns observations sorted by timestamp; an empty result is not an error.
type Store interface {
	Query(ctx context.Context, req QueryRequest) ([]Observation, error)
}

// Writer is implemented by backends that accept imported observations.
type Writer interface {
	Write(ctx context.Context, observations []Observation) error
}

// Backend is a full storage backend: readable, writable and closable.
// Implementations: memory (testing), badger (production)
type Backend interface {
	Store
	Writer

	// Delete removes observations older than the given time
	Delete(ctx context.Context, before time.Time) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies which observations to retrieve.
// The time range is half-open: [Start, End).
type QueryRequest struct {
	Metric string

	// Sources filters by source identifier (empty = all sources)
	Sources []string

	Start time.Time
	End   time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether an observation satisfies the request filters.
func (r QueryRequest) Matches(o Observation) bool {
	if r.Metric != "" && o.Metric != r.Metric {
		return false
	}
	if o.Timestamp.Before(r.Start) || !o.Timestamp.Before(r.End) {
		return false
	}
	if len(r.Sources) == 0 {
		return true
	}
	for _, s := range r.Sources {
		if s == o.Source {
			return true
		}
	}
	return false
}

// Stats provides storage health and usage info
type Stats struct {
	// Total observations stored
	TotalObservations uint64 `json:"total_observations"`

	// Unique (metric, source) series
	TotalSeries uint64 `json:"total_series"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	OldestObservation time.Time `json:"oldest_observation"`
	NewestObservation time.Time `json:"newest_observation"`
}
