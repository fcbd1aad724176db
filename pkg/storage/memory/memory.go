package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/healthobs/pkg/storage"
)

// Storage stores observations in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	// observations is kept sorted by timestamp so Query can binary search the range
	observations []storage.Observation
	mu           sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		observations: make([]storage.Observation, 0, 10000),
	}
}

// Write stores observations in memory
func (s *Storage) Write(ctx context.Context, observations []storage.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.observations = append(s.observations, observations...)
	sort.SliceStable(s.observations, func(i, j int) bool {
		return s.observations[i].Timestamp.Before(s.observations[j].Timestamp)
	})
	return nil
}

// Query retrieves observations matching the request, in timestamp order
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	first := sort.Search(len(s.observations), func(i int) bool {
		return !s.observations[i].Timestamp.Before(req.Start)
	})

	var results []storage.Observation
	for _, o := range s.observations[first:] {
		if !o.Timestamp.Before(req.End) {
			break
		}
		if !req.Matches(o) {
			continue
		}

		results = append(results, o)

		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}

	return results, nil
}

// Delete removes observations older than the given time
func (s *Storage) Delete(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]storage.Observation, 0, len(s.observations))
	for _, o := range s.observations {
		if !o.Timestamp.Before(before) {
			filtered = append(filtered, o)
		}
	}

	s.observations = filtered
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalObservations: uint64(len(s.observations)),
	}

	if len(s.observations) == 0 {
		return stats, nil
	}

	series := make(map[string]struct{})
	for _, o := range s.observations {
		series[o.Metric+"\x00"+o.Source] = struct{}{}
	}

	stats.TotalSeries = uint64(len(series))
	stats.OldestObservation = s.observations[0].Timestamp
	stats.NewestObservation = s.observations[len(s.observations)-1].Timestamp

	// Rough size estimate (each observation ~64 bytes)
	stats.SizeBytes = uint64(len(s.observations)) * 64

	return stats, nil
}
