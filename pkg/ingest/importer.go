package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/stats"
	"github.com/nicktill/healthobs/pkg/storage"
)

// Notifier is told which data an import touched
type Notifier interface {
	OnDataChanged(metric, source string, start, end time.Time) int
}

// Config configures an Importer
type Config struct {
	// BatchSize is the number of observations written at once
	BatchSize int

	// Tracker bounds series cardinality; nil uses the default limits
	Tracker *CardinalityTracker

	Logger *zap.Logger
	Now    func() time.Time
}

// Importer validates observations, writes them in batches and reports the
// affected ranges to its notifier.
type Importer struct {
	writer    storage.Writer
	notifier  Notifier
	tracker   *CardinalityTracker
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewImporter creates an importer writing to w. notifier may be nil.
func NewImporter(w storage.Writer, notifier Notifier, cfg Config) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.ImportBatchSize
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewCardinalityTracker(0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Importer{
		writer:    w,
		notifier:  notifier,
		tracker:   cfg.Tracker,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger.Named("ingest"),
		now:       cfg.Now,
	}
}

// Result contains stats about one import
type Result struct {
	BatchID              string    `json:"batch_id"`
	ObservationsImported int       `json:"observations_imported"`
	MissingValues        int       `json:"missing_values"`
	BatchesWritten       int       `json:"batches_written"`
	Series               int       `json:"series"`
	Invalidated          int       `json:"invalidated"`
	TimeRange            string    `json:"time_range"`
	ImportedAt           time.Time `json:"imported_at"`
	Errors               []string  `json:"errors,omitempty"`
}

// Payload is the JSON import body. A null value is an explicit missing observation.
type Payload struct {
	Observations []WireObservation `json:"observations"`
}

// WireObservation is an observation as sent over the wire
type WireObservation struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Metric    string    `json:"metric"`
	Value     *float64  `json:"value"`
}

// Observation converts the wire form, mapping null to NaN
func (w WireObservation) Observation() storage.Observation {
	v := math.NaN()
	if w.Value != nil {
		v = *w.Value
	}
	return storage.Observation{
		Timestamp: w.Timestamp.UTC(),
		Source:    w.Source,
		Metric:    w.Metric,
		Value:     v,
	}
}

// ImportJSON decodes a Payload from r and imports it
func (im *Importer) ImportJSON(ctx context.Context, r io.Reader) (*Result, error) {
	var payload Payload
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if len(payload.Observations) > MaxObservationsPerRequest {
		return nil, ErrTooManyObservations
	}

	observations := make([]storage.Observation, len(payload.Observations))
	for i, w := range payload.Observations {
		observations[i] = w.Observation()
	}
	return im.Import(ctx, observations)
}

// dayRange is the range of UTC days one series received data for
type dayRange struct {
	first, last time.Time
}

func (d *dayRange) add(t time.Time) {
	day := stats.Date(t.UTC())
	if d.first.IsZero() || day.Before(d.first) {
		d.first = day
	}
	if day.After(d.last) {
		d.last = day
	}
}

// Import validates and writes observations. Invalid observations are skipped and
// reported in Result.Errors. Every (metric, source) that received data is reported to
// the notifier once, with the whole-day range it touched, even when a later batch fails.
func (im *Importer) Import(ctx context.Context, observations []storage.Observation) (*Result, error) {
	if len(observations) > MaxObservationsPerRequest {
		return nil, ErrTooManyObservations
	}

	result := &Result{
		BatchID:    uuid.NewString(),
		TimeRange:  "empty",
		ImportedAt: im.now(),
	}
	now := im.now()

	valid := make([]storage.Observation, 0, len(observations))
	for i, o := range observations {
		if err := ValidateObservation(o, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("observation %d: %v", i, err))
			continue
		}
		if err := im.tracker.Check(o.Metric, o.Source); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("observation %d: %v for %s/%s", i, err, o.Metric, o.Source))
			continue
		}
		im.tracker.Record(o.Metric, o.Source)
		valid = append(valid, o)
	}

	touched := make(map[series]*dayRange)
	var writeErr error
	for i := 0; i < len(valid); i += im.batchSize {
		end := min(i+im.batchSize, len(valid))
		batch := valid[i:end]
		if err := im.writer.Write(ctx, batch); err != nil {
			writeErr = fmt.Errorf("failed to write batch %d: %w", result.BatchesWritten, err)
			break
		}
		result.BatchesWritten++

		for _, o := range batch {
			key := series{o.Metric, o.Source}
			r, ok := touched[key]
			if !ok {
				r = &dayRange{}
				touched[key] = r
			}
			r.add(o.Timestamp)
			result.ObservationsImported++
			if o.Missing() {
				result.MissingValues++
			}
		}
	}

	result.Series = len(touched)
	result.Invalidated = im.notify(touched)
	if result.ObservationsImported > 0 {
		first, last := timeRange(valid[:result.ObservationsImported])
		result.TimeRange = fmt.Sprintf("%s to %s", first.Format(time.RFC3339), last.Format(time.RFC3339))
	}

	logger := im.logger.With(
		zap.String("batch_id", result.BatchID),
		zap.Int("imported", result.ObservationsImported),
		zap.Int("rejected", len(result.Errors)),
		zap.Int("series", result.Series))
	if writeErr != nil {
		logger.Error("import interrupted", zap.Error(writeErr))
		return result, writeErr
	}
	logger.Info("import completed", zap.Int("batches", result.BatchesWritten), zap.Int("invalidated", result.Invalidated))
	return result, nil
}

// notify reports each touched series in a stable order
func (im *Importer) notify(touched map[series]*dayRange) int {
	if im.notifier == nil {
		return 0
	}
	keys := make([]series, 0, len(touched))
	for k := range touched {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].source < keys[j].source
	})

	affected := 0
	for _, k := range keys {
		r := touched[k]
		affected += im.notifier.OnDataChanged(k.metric, k.source, r.first, r.last.AddDate(0, 0, 1))
	}
	return affected
}

func timeRange(observations []storage.Observation) (time.Time, time.Time) {
	first, last := observations[0].Timestamp, observations[0].Timestamp
	for _, o := range observations[1:] {
		if o.Timestamp.Before(first) {
			first = o.Timestamp
		}
		if o.Timestamp.After(last) {
			last = o.Timestamp
		}
	}
	return first, last
}
