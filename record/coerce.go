package record

import (
	"fmt"
	"math"
	"strconv"

	"sumlink/ads"
)

// Coerce converts a value decoded from JSON (or passed in from Go) to the
// representation Decode produces for t: bool, int64, uint64, float64 or
// string. Integers must be whole and fit the type; REAL must fit a float32.
// Arrays arrive as []interface{} or typed slices and may be shorter than
// nelem.
func Coerce(t ads.DataType, nelem uint32, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, fmt.Errorf("missing value for %s", t)
	}
	if t == ads.TypeString {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot convert %T to STRING", value)
		}
		return s, nil
	}

	if elems, ok := asElems(value); ok {
		if uint32(len(elems)) > nelem {
			return nil, fmt.Errorf("%d elements exceed %s[%d]", len(elems), t, nelem)
		}
		out := make([]interface{}, len(elems))
		for i, e := range elems {
			c, err := coerceElem(t, e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	}
	return coerceElem(t, value)
}

func asElems(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []bool:
		return boxed(v), true
	case []int:
		return boxed(v), true
	case []int64:
		return boxed(v), true
	case []uint64:
		return boxed(v), true
	case []float64:
		return boxed(v), true
	case []string:
		return boxed(v), true
	}
	return nil, false
}

func boxed[T any](in []T) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func coerceElem(t ads.DataType, value interface{}) (interface{}, error) {
	switch t.Kind() {
	case ads.KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to BOOL", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("cannot convert %T to BOOL", value)

	case ads.KindFloat:
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case uint64:
			f = float64(v)
		case string:
			var err error
			if f, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("cannot convert %q to %s", v, t)
			}
		default:
			return nil, fmt.Errorf("cannot convert %T to %s", value, t)
		}
		if t.Size() == 4 && math.Abs(f) > math.MaxFloat32 && !math.IsInf(f, 0) {
			return nil, fmt.Errorf("value %v out of range for %s", f, t)
		}
		return f, nil

	case ads.KindSigned, ads.KindUnsigned:
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("value %v is not a whole number", v)
			}
			if v < 0 {
				if v < -math.Ldexp(1, 63) {
					return nil, outOfRange(t, v)
				}
				return fitInt(t, int64(v))
			}
			if v >= math.Ldexp(1, 64) {
				return nil, outOfRange(t, v)
			}
			return fitUint(t, uint64(v))
		case int:
			return fitInt(t, int64(v))
		case int8:
			return fitInt(t, int64(v))
		case int16:
			return fitInt(t, int64(v))
		case int32:
			return fitInt(t, int64(v))
		case int64:
			return fitInt(t, v)
		case uint8:
			return fitUint(t, uint64(v))
		case uint16:
			return fitUint(t, uint64(v))
		case uint32:
			return fitUint(t, uint64(v))
		case uint64:
			return fitUint(t, v)
		case string:
			if i, err := strconv.ParseInt(v, 0, 64); err == nil {
				return fitInt(t, i)
			}
			if u, err := strconv.ParseUint(v, 0, 64); err == nil {
				return fitUint(t, u)
			}
			return nil, fmt.Errorf("cannot convert %q to %s", v, t)
		}
		return nil, fmt.Errorf("cannot convert %T to %s", value, t)
	}
	return nil, fmt.Errorf("cannot write %s", t)
}

func fitInt(t ads.DataType, i int64) (interface{}, error) {
	if i >= 0 {
		return fitUint(t, uint64(i))
	}
	if t.Kind() == ads.KindUnsigned {
		return nil, outOfRange(t, i)
	}
	bits := t.Size() * 8
	if bits < 64 && i < -(int64(1)<<(bits-1)) {
		return nil, outOfRange(t, i)
	}
	return i, nil
}

func fitUint(t ads.DataType, u uint64) (interface{}, error) {
	bits := t.Size() * 8
	if t.Kind() == ads.KindSigned {
		if u >= uint64(1)<<(bits-1) {
			return nil, outOfRange(t, u)
		}
		return int64(u), nil
	}
	if bits < 64 && u >= uint64(1)<<bits {
		return nil, outOfRange(t, u)
	}
	return u, nil
}

func outOfRange(t ads.DataType, v interface{}) error {
	return fmt.Errorf("value %v out of range for %s", v, t)
}
