package capability

import (
	"encoding/json"
	"math"
)

// Args are validated capability arguments.
type Args struct {
	values map[string]any
}

// NewArgs wraps a raw argument map without validation. Tests use it to call
// handlers directly.
func NewArgs(values map[string]any) Args {
	return Args{values: values}
}

// Has reports whether name was supplied or defaulted.
func (a Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// String returns a string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a.values[name].(string)
	return s
}

// Int returns an integer argument, or 0 when absent. JSON numbers decode as
// float64, so integral floats are accepted.
func (a Args) Int(name string) int {
	switch v := a.values[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return 0
}

// Float returns a numeric argument, or 0 when absent.
func (a Args) Float(name string) float64 {
	switch v := a.values[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Bool returns a boolean argument, or false when absent.
func (a Args) Bool(name string) bool {
	b, _ := a.values[name].(bool)
	return b
}

// Map returns a copy of the raw argument values.
func (a Args) Map() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}
