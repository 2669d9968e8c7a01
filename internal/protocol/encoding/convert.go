package encoding

import (
	"fmt"
	"math"
	"strconv"
)

// ToUint64 converts any Go integer (or integral float) to uint64.
func ToUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int, int8, int16, int32, int64:
		i, _ := ToInt64(n)
		if i < 0 {
			return 0, false
		}
		return uint64(i), true
	case float32:
		return floatToUint(float64(n))
	case float64:
		return floatToUint(n)
	case fmt.Stringer:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	default:
		return 0, false
	}
}

// ToInt64 converts any Go integer (or integral float) to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint, uint8, uint16, uint32, uint64:
		u, _ := ToUint64(n)
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case fmt.Stringer:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// ToFloat64 converts any Go number to float64.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int, int8, int16, int32, int64:
		i, _ := ToInt64(n)
		return float64(i), true
	case uint, uint8, uint16, uint32, uint64:
		u, _ := ToUint64(n)
		return float64(u), true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatToUint(f float64) (uint64, bool) {
	if f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

func floatToInt(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func typeErr(tag string, v any) error {
	return fmt.Errorf("%w: %s cannot hold %T", ErrValueType, tag, v)
}
