package resolver

import (
	"reflect"
	"strconv"
)

// isDefinedNonNull is the `||` coalescing test (§4.1): a value counts as
// kept only when it was actually found and is not JSON null.
func isDefinedNonNull(missing bool, v interface{}) bool {
	return !missing && v != nil
}

// isTruthy is the `&&`/`!` truthiness test: non-null, non-false,
// non-zero, non-empty-string. Anything else (objects, arrays, non-zero
// numbers, non-empty strings) is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}

// asNumber reports whether v is (or coerces from) a number, per §4.1's
// weak numeric coercion rule for comparisons.
func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// structuralEqual implements the non-numeric fallback for `==`/`!=`.
func structuralEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize collapses the handful of numeric Go representations a path
// lookup can produce (JSON decode gives float64; literals can be int)
// into a single comparable shape.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
