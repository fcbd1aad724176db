package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/storage"
)

const (
	keySize = 24

	// slowQueryThreshold logs scans that take longer than this
	slowQueryThreshold = 5 * time.Second
)

var errCorruptValue = errors.New("corrupt observation value")

// Storage implements storage.Backend using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	logger *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64

	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// Health exports are small, a 16 MB memtable is plenty.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, logger: logger.Named("badger")}, nil
}

// Write stores observations in BadgerDB.
// Enforces context cancellation so a stuck transaction never blocks an import forever.
func (s *Storage) Write(ctx context.Context, observations []storage.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, o := range observations {
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					done <- ctx.Err()
					return
				default:
				}
			}

			if err := wb.Set(makeKey(o), encodeObservation(o)); err != nil {
				done <- fmt.Errorf("failed to write observation: %w", err)
				return
			}
		}
		done <- wb.Flush()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves observations for one metric in timestamp order.
// The scan seeks to the metric prefix + start timestamp and stops at end.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Metric == "" {
		return nil, errors.New("badger query requires a metric")
	}

	type queryResult struct {
		results []storage.Observation
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		startTime := time.Now()
		var iterCount int

		res.err = s.db.View(func(txn *badger.Txn) error {
			prefix := metricPrefix(req.Metric)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			seek := rangeKey(prefix, req.Start)
			stop := rangeKey(prefix, req.End)

			for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				item := it.Item()
				if bytes.Compare(item.Key()[:16], stop) >= 0 {
					break
				}

				var o storage.Observation
				if err := item.Value(func(val []byte) error {
					var err error
					o, err = decodeObservation(val, item.Key())
					return err
				}); err != nil {
					return err
				}

				if !req.Matches(o) {
					continue
				}

				res.results = append(res.results, o)
				if req.Limit > 0 && len(res.results) >= req.Limit {
					break
				}
			}
			return nil
		})

		if elapsed := time.Since(startTime); elapsed > slowQueryThreshold {
			s.logger.Warn("slow observation scan",
				zap.String("metric", req.Metric),
				zap.Duration("elapsed", elapsed),
				zap.Int("iterations", iterCount),
				zap.Int("results", len(res.results)))
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes observations older than the given time across all metrics
func (s *Storage) Delete(ctx context.Context, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		var keysToDelete [][]byte

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
				}

				key := it.Item().Key()
				if keyTime(key).Before(before) {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}
			return nil
		})
		if err != nil {
			done <- err
			return
		}

		wb := s.db.NewWriteBatch()
		defer wb.Cancel()
		for _, key := range keysToDelete {
			if err := wb.Delete(key); err != nil {
				done <- err
				return
			}
		}
		done <- wb.Flush()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when there was nothing to reclaim.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			series := make(map[[16]byte]struct{})
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().Key()
				if len(key) != keySize {
					continue
				}
				stats.TotalObservations++

				var id [16]byte
				copy(id[:8], key[0:8])
				copy(id[8:], key[16:24])
				series[id] = struct{}{}

				ts := keyTime(key)
				if stats.OldestObservation.IsZero() || ts.Before(stats.OldestObservation) {
					stats.OldestObservation = ts
				}
				if ts.After(stats.NewestObservation) {
					stats.NewestObservation = ts
				}
			}
			stats.TotalSeries = uint64(len(series))
			return nil
		})

		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// metricPrefix is the 8-byte hash every key of a metric starts with
func metricPrefix(metric string) []byte {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, xxhash.Sum64String(metric))
	return prefix
}

// rangeKey is the 16-byte metric+timestamp prefix used for seeks and range ends
func rangeKey(prefix []byte, ts time.Time) []byte {
	key := make([]byte, 16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[8:16], timeBits(ts))
	return key
}

// makeKey creates a sortable key: [metric hash][timestamp][source hash]
func makeKey(o storage.Observation) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[0:8], xxhash.Sum64String(o.Metric))
	binary.BigEndian.PutUint64(key[8:16], timeBits(o.Timestamp))
	binary.BigEndian.PutUint64(key[16:24], xxhash.Sum64String(o.Source))
	return key
}

// timeBits flips the sign bit so pre-1970 timestamps still sort before later ones
func timeBits(ts time.Time) uint64 {
	return uint64(ts.UnixNano()) ^ (1 << 63)
}

func keyTime(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[8:16])^(1<<63))).UTC()
}

// encodeObservation serializes the value and the strings the key only hashes.
// Format: [value bits 8][metric len 2][metric][source]
func encodeObservation(o storage.Observation) []byte {
	buf := make([]byte, 10+len(o.Metric)+len(o.Source))
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(o.Value))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(o.Metric)))
	copy(buf[10:], o.Metric)
	copy(buf[10+len(o.Metric):], o.Source)
	return buf
}

func decodeObservation(val, key []byte) (storage.Observation, error) {
	if len(val) < 10 || len(key) != keySize {
		return storage.Observation{}, errCorruptValue
	}
	metricLen := int(binary.BigEndian.Uint16(val[8:10]))
	if len(val) < 10+metricLen {
		return storage.Observation{}, errCorruptValue
	}
	return storage.Observation{
		Timestamp: keyTime(key),
		Metric:    string(val[10 : 10+metricLen]),
		Source:    string(val[10+metricLen:]),
		Value:     math.Float64frombits(binary.BigEndian.Uint64(val[0:8])),
	}, nil
}
