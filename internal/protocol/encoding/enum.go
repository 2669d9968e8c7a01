package encoding

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// Enum is an unsigned integer restricted to a closed set of named values.
type Enum struct {
	size   int
	byName map[string]uint64
	byVal  map[uint64]string
}

// NewEnum builds an enum of size bytes (1, 2, 4 or 8) over values.
func NewEnum(size int, values map[string]uint64) (*Enum, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: enum size %d not in {1,2,4,8}", ErrBadTag, size)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: enum needs at least one value", ErrBadTag)
	}
	e := &Enum{
		size:   size,
		byName: make(map[string]uint64, len(values)),
		byVal:  make(map[uint64]string, len(values)),
	}
	for name, v := range values {
		if size < 8 && v >= uint64(1)<<(8*size) {
			return nil, fmt.Errorf("%w: enum value %s=%d overflows %d bytes", ErrBadTag, name, v, size)
		}
		if prev, dup := e.byVal[v]; dup {
			return nil, fmt.Errorf("%w: enum value %d named both %s and %s", ErrBadTag, v, prev, name)
		}
		e.byName[name] = v
		e.byVal[v] = name
	}
	return e, nil
}

func (e *Enum) Tag() string {
	names := make([]string, 0, len(e.byName))
	for n := range e.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprintf("enum(%d){%s}", e.size, strings.Join(names, ","))
}

func (e *Enum) Width() int { return e.size }
func (e *Enum) Bits() int  { return e.size * 8 }
func (*Enum) Kind() Kind   { return KindUint }

// Name returns the symbolic name of v.
func (e *Enum) Name(v uint64) (string, bool) {
	n, ok := e.byVal[v]
	return n, ok
}

func (e *Enum) Normalize(v any) (any, error) {
	if name, ok := v.(string); ok {
		u, known := e.byName[name]
		if !known {
			return nil, fmt.Errorf("%w: unknown enum name %q", wire.ErrInvalidValue, name)
		}
		return u, nil
	}
	u, ok := ToUint64(v)
	if !ok {
		return nil, typeErr("enum", v)
	}
	if _, known := e.byVal[u]; !known {
		return nil, fmt.Errorf("%w: %d is not an enum member", wire.ErrInvalidValue, u)
	}
	return u, nil
}

func (e *Enum) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	raw, err := e.ToBits(v)
	if err != nil {
		return dst, err
	}
	return wire.AppendUint(dst, raw, e.size, order), nil
}

func (e *Enum) Decode(src []byte, order wire.Order) (any, int, error) {
	raw, err := wire.ReadUint(src, e.size, order)
	if err != nil {
		return nil, 0, err
	}
	v, err := e.FromBits(raw)
	if err != nil {
		return nil, 0, err
	}
	return v, e.size, nil
}

func (e *Enum) ToBits(v any) (uint64, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return 0, err
	}
	return n.(uint64), nil
}

func (e *Enum) FromBits(raw uint64) (any, error) {
	if _, known := e.byVal[raw]; !known {
		return nil, fmt.Errorf("%w: decoded %d is not an enum member", wire.ErrInvalidValue, raw)
	}
	return raw, nil
}

// Funcs adapts a pair of functions into an Encoder for one-off layouts.
type Funcs struct {
	Name string
	// Size is the fixed width in bytes, or Variable.
	Size     int
	EncodeFn func(v any, order wire.Order) ([]byte, error)
	DecodeFn func(src []byte, order wire.Order) (any, int, error)
	// NormalizeFn is optional; values pass through unchanged without it.
	NormalizeFn func(v any) (any, error)
}

func (f Funcs) Tag() string { return f.Name }

func (f Funcs) Width() int {
	if f.Size <= 0 {
		return Variable
	}
	return f.Size
}

func (f Funcs) Normalize(v any) (any, error) {
	if f.NormalizeFn == nil {
		return v, nil
	}
	return f.NormalizeFn(v)
}

func (f Funcs) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	if f.EncodeFn == nil {
		return dst, fmt.Errorf("encoding: %s has no encode function", f.Name)
	}
	b, err := f.EncodeFn(v, order)
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

func (f Funcs) Decode(src []byte, order wire.Order) (any, int, error) {
	if f.DecodeFn == nil {
		return nil, 0, fmt.Errorf("encoding: %s has no decode function", f.Name)
	}
	return f.DecodeFn(src, order)
}
