package stats

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Float is a nullable statistic. Invalid values marshal to JSON null.
type Float struct {
	Value float64
	Valid bool
}

// Some wraps a defined value
func Some(v float64) Float {
	return Float{Value: v, Valid: true}
}

// None is the undefined value
var None = Float{}

// Or returns the value, or def when undefined
func (f Float) Or(def float64) float64 {
	if !f.Valid {
		return def
	}
	return f.Value
}

func (f Float) String() string {
	if !f.Valid {
		return "undefined"
	}
	return strconv.FormatFloat(f.Value, 'g', -1, 64)
}

// MarshalJSON implements json.Marshaler
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// UnmarshalJSON implements json.Unmarshaler
func (f *Float) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*f = None
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Some(v)
	return nil
}
