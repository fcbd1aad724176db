package ingest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nicktill/healthobs/pkg/storage"
)

// Validation limits
const (
	MaxMetricNameLength = 256
	MaxSourceLength     = 256

	// MaxObservationsPerRequest bounds a single import
	MaxObservationsPerRequest = 100000

	// MaxFutureSkew is how far past the importer's clock a timestamp may be
	MaxFutureSkew = 24 * time.Hour
)

var (
	ErrMetricNameEmpty   = errors.New("metric name cannot be empty")
	ErrMetricNameTooLong = fmt.Errorf("metric name too long (max %d chars)", MaxMetricNameLength)
	ErrSourceEmpty       = errors.New("source cannot be empty")
	ErrSourceTooLong     = fmt.Errorf("source too long (max %d chars)", MaxSourceLength)
	ErrTimestampMissing  = errors.New("timestamp cannot be zero")
	ErrTimestampInFuture = fmt.Errorf("timestamp more than %s in the future", MaxFutureSkew)

	// ErrValueInfinite rejects infinite values; missing values are sent as null
	ErrValueInfinite = errors.New("value must be finite or null")

	ErrTooManyObservations = fmt.Errorf("too many observations in request (max %d)", MaxObservationsPerRequest)
)

// ValidateObservation checks one observation before import. NaN is accepted as an
// explicit missing value.
func ValidateObservation(o storage.Observation, now time.Time) error {
	if o.Metric == "" {
		return ErrMetricNameEmpty
	}
	if len(o.Metric) > MaxMetricNameLength {
		return fmt.Errorf("%w: %q has %d chars", ErrMetricNameTooLong, o.Metric[:32], len(o.Metric))
	}
	if o.Source == "" {
		return ErrSourceEmpty
	}
	if len(o.Source) > MaxSourceLength {
		return fmt.Errorf("%w: metric %q", ErrSourceTooLong, o.Metric)
	}
	if o.Timestamp.IsZero() {
		return ErrTimestampMissing
	}
	if o.Timestamp.After(now.Add(MaxFutureSkew)) {
		return fmt.Errorf("%w: %s", ErrTimestampInFuture, o.Timestamp.Format(time.RFC3339))
	}
	if math.IsInf(o.Value, 0) {
		return ErrValueInfinite
	}
	return nil
}
