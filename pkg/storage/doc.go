/*
Package storage defines the record store boundary of the health metrics engine.

The engine only ever reads observations through Store:

	type Store interface {
	    Query(ctx context.Context, req QueryRequest) ([]Observation, error)
	}

Query results are sorted by timestamp and may be empty; an empty range is never an error.
The import pipeline writes through Writer, and full backends (memory, badger) implement
Backend, which adds retention deletes, stats and Close.

# Backends

  - memory: in-memory slice, used by tests and ephemeral sessions
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Keys

The badger backend stores each observation under

	[xxhash(metric) 8 bytes][timestamp unix nanos 8 bytes][xxhash(source) 8 bytes]

so a query for one metric is a single prefix scan that already yields timestamp order.
Two observations that agree on metric, source and timestamp collapse into one key.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	obs, err := store.Query(ctx, storage.QueryRequest{
	    Metric:  "heart_rate",
	    Sources: []string{"watch"},
	    Start:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	    End:     time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})

# Missing values

NaN and infinite values are stored as-is and reported by Observation.Missing. Calculators
exclude them from every statistic.
*/
package storage
