package badger

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/healthobs/pkg/storage"
)

var day = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStorage_WriteAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, []storage.Observation{
		{Timestamp: day.Add(3 * time.Hour), Source: "watch", Metric: "heart_rate", Value: 64},
		{Timestamp: day.Add(1 * time.Hour), Source: "watch", Metric: "heart_rate", Value: 58},
		{Timestamp: day.Add(2 * time.Hour), Source: "phone", Metric: "heart_rate", Value: 71},
		{Timestamp: day.Add(2 * time.Hour), Source: "phone", Metric: "steps", Value: 4000},
	})
	require.NoError(t, err)

	results, err := store.Query(ctx, storage.QueryRequest{
		Metric: "heart_rate",
		Start:  day,
		End:    day.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Keys are timestamp-ordered within the metric prefix
	require.Equal(t, 58.0, results[0].Value)
	require.Equal(t, 71.0, results[1].Value)
	require.Equal(t, "phone", results[1].Source)
	require.Equal(t, 64.0, results[2].Value)
	require.Equal(t, "heart_rate", results[2].Metric)
}

func TestBadgerStorage_RangeBoundsAreHalfOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []storage.Observation{
		{Timestamp: day.Add(-time.Nanosecond), Source: "watch", Metric: "steps", Value: 1},
		{Timestamp: day, Source: "watch", Metric: "steps", Value: 2},
		{Timestamp: day.Add(24 * time.Hour), Source: "watch", Metric: "steps", Value: 3},
	}))

	results, err := store.Query(ctx, storage.QueryRequest{Metric: "steps", Start: day, End: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 2.0, results[0].Value)
}

func TestBadgerStorage_SourceFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []storage.Observation{
		{Timestamp: day, Source: "watch", Metric: "steps", Value: 1},
		{Timestamp: day.Add(time.Minute), Source: "phone", Metric: "steps", Value: 2},
	}))

	results, err := store.Query(ctx, storage.QueryRequest{
		Metric:  "steps",
		Sources: []string{"phone"},
		Start:   day,
		End:     day.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "phone", results[0].Source)
}

func TestBadgerStorage_PreservesMissingValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []storage.Observation{
		{Timestamp: day, Source: "watch", Metric: "hrv", Value: math.NaN()},
	}))

	results, err := store.Query(ctx, storage.QueryRequest{Metric: "hrv", Start: day, End: day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Missing())
}

func TestBadgerStorage_RequiresMetric(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Query(context.Background(), storage.QueryRequest{Start: day, End: day.Add(time.Hour)})
	require.Error(t, err)
}

func TestBadgerStorage_DeleteAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []storage.Observation{
		{Timestamp: day, Source: "watch", Metric: "steps", Value: 1},
		{Timestamp: day.Add(48 * time.Hour), Source: "watch", Metric: "steps", Value: 2},
		{Timestamp: day.Add(48 * time.Hour), Source: "phone", Metric: "steps", Value: 3},
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), stats.TotalObservations)
	require.Equal(t, uint64(2), stats.TotalSeries)

	require.NoError(t, store.Delete(ctx, day.Add(24*time.Hour)))

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.TotalObservations)
	require.True(t, stats.OldestObservation.Equal(day.Add(48*time.Hour)))
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	{
		store, err := New(Config{Path: dir})
		require.NoError(t, err)
		require.NoError(t, store.Write(ctx, []storage.Observation{
			{Timestamp: day, Source: "scale", Metric: "body_mass", Value: 71.4},
		}))
		require.NoError(t, store.Close())
	}

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	results, err := store.Query(ctx, storage.QueryRequest{Metric: "body_mass", Start: day, End: day.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 71.4, results[0].Value)
}

func TestBadgerStorage_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Query(ctx, storage.QueryRequest{Metric: "steps", Start: day, End: day.Add(time.Hour)})
	require.ErrorIs(t, err, context.Canceled)
}
