package stats

import "errors"

// ErrInvalidRange reports malformed or inverted date bounds, or a range that does not
// match the requested granularity. It is rejected before any computation and never retried.
var ErrInvalidRange = errors.New("invalid range")
