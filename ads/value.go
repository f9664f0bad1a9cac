package ads

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Decode converts little-endian wire bytes of nelem elements of t into a Go value:
//   - BOOL -> bool ([]bool)
//   - SINT, INT, DINT, LINT -> int64 ([]int64)
//   - BYTE, USINT, WORD, UINT, DWORD, UDINT -> uint64 ([]uint64)
//   - REAL, LREAL -> float64 ([]float64)
//   - STRING -> string, cut at the first NUL
//
// A slice is returned when nelem > 1, except for STRING.
func Decode(t DataType, nelem uint32, data []byte) (interface{}, error) {
	if nelem == 0 {
		nelem = 1
	}
	size := t.Size()
	if !t.Valid() {
		return nil, fmt.Errorf("decode: unknown data type %s", t)
	}
	if uint64(len(data)) < uint64(size)*uint64(nelem) {
		return nil, fmt.Errorf("decode %s[%d]: need %d bytes, have %d", t, nelem, size*nelem, len(data))
	}

	if t.Kind() == KindString {
		return cString(data[:nelem]), nil
	}

	if nelem == 1 {
		return decodeElem(t, data[:size]), nil
	}

	switch t.Kind() {
	case KindBool:
		out := make([]bool, nelem)
		for i := range out {
			out[i] = data[i] != 0
		}
		return out, nil
	case KindSigned:
		out := make([]int64, nelem)
		for i := range out {
			out[i] = decodeElem(t, data[uint32(i)*size:]).(int64)
		}
		return out, nil
	case KindUnsigned:
		out := make([]uint64, nelem)
		for i := range out {
			out[i] = decodeElem(t, data[uint32(i)*size:]).(uint64)
		}
		return out, nil
	default:
		out := make([]float64, nelem)
		for i := range out {
			out[i] = decodeElem(t, data[uint32(i)*size:]).(float64)
		}
		return out, nil
	}
}

func decodeElem(t DataType, b []byte) interface{} {
	switch t.Kind() {
	case KindBool:
		return b[0] != 0
	case KindSigned:
		switch t.Size() {
		case 1:
			return int64(int8(b[0]))
		case 2:
			return int64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return int64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return int64(binary.LittleEndian.Uint64(b))
		}
	case KindUnsigned:
		return readUnsigned(b, t.Size())
	case KindFloat:
		if t.Size() == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return nil
}

func readUnsigned(b []byte, size uint32) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// DecodeUnsigned reads one element of a digital type as an unsigned integer.
func DecodeUnsigned(t DataType, data []byte) (uint64, error) {
	if !t.IsDigital() {
		return 0, fmt.Errorf("decode: %s is not a digital type", t)
	}
	if uint32(len(data)) < t.Size() {
		return 0, fmt.Errorf("decode %s: need %d bytes, have %d", t, t.Size(), len(data))
	}
	return readUnsigned(data, t.Size()), nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Encode converts value into exactly Size()*nelem little-endian bytes.
// Scalars accept Go numeric types, bool, or numeric strings. Arrays accept
// []interface{} (as decoded from JSON) or typed slices. Short arrays and
// strings are zero-padded; longer input is rejected.
func Encode(t DataType, nelem uint32, value interface{}) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("encode: unknown data type %s", t)
	}
	if nelem == 0 {
		nelem = 1
	}
	size := t.Size()
	out := make([]byte, size*nelem)

	if t.Kind() == KindString {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("cannot convert %T to STRING", value)
		}
		if uint32(len(s)) > nelem {
			return nil, fmt.Errorf("string of %d bytes exceeds STRING[%d]", len(s), nelem)
		}
		copy(out, s)
		return out, nil
	}

	elems, isSlice := toSlice(value)
	if !isSlice {
		elems = []interface{}{value}
	}
	if uint32(len(elems)) > nelem {
		return nil, fmt.Errorf("%d elements exceed %s[%d]", len(elems), t, nelem)
	}

	for i, e := range elems {
		if err := encodeElem(t, out[uint32(i)*size:], e); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
	}
	return out, nil
}

func encodeElem(t DataType, b []byte, value interface{}) error {
	switch t.Kind() {
	case KindBool:
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("cannot convert %T to BOOL", value)
		}
		if v != 0 {
			b[0] = 1
		}
		return nil
	case KindFloat:
		v, err := toFloat(value)
		if err != nil {
			return fmt.Errorf("cannot convert %T to %s", value, t)
		}
		if t.Size() == 4 {
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		}
		return nil
	default:
		v, err := toInt(value)
		if err != nil {
			return fmt.Errorf("cannot convert %T to %s", value, t)
		}
		if !fits(t, value, v) {
			return fmt.Errorf("value %v out of range for %s", value, t)
		}
		switch t.Size() {
		case 1:
			b[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(b, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(b, uint32(v))
		default:
			binary.LittleEndian.PutUint64(b, uint64(v))
		}
		return nil
	}
}

// fits reports whether the integer v, converted from value, is
// representable in t.
func fits(t DataType, value interface{}, v int64) bool {
	switch u := value.(type) {
	case uint64:
		if u > math.MaxInt64 {
			return false
		}
	case uint:
		if uint64(u) > math.MaxInt64 {
			return false
		}
	case string:
		if x, err := strconv.ParseUint(u, 0, 64); err == nil && x > math.MaxInt64 {
			return false
		}
	}
	bits := t.Size() * 8
	if t.Kind() == KindSigned {
		return bits >= 64 || (v >= -(int64(1)<<(bits-1)) && v < int64(1)<<(bits-1))
	}
	return v >= 0 && (bits >= 64 || v < int64(1)<<bits)
}

func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []bool:
		return boxed(v), true
	case []int:
		return boxed(v), true
	case []int32:
		return boxed(v), true
	case []int64:
		return boxed(v), true
	case []uint32:
		return boxed(v), true
	case []uint64:
		return boxed(v), true
	case []float32:
		return boxed(v), true
	case []float64:
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

func toInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		if i, err := strconv.ParseInt(v, 0, 64); err == nil {
			return i, nil
		}
		u, err := strconv.ParseUint(v, 0, 64)
		return int64(u), err
	}
	return 0, fmt.Errorf("unsupported value type %T", value)
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			if b {
				return 1, nil
			}
			return 0, nil
		}
		return strconv.ParseFloat(v, 64)
	}
	i, err := toInt(value)
	return float64(i), err
}
