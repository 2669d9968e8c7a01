package encoding

import (
	"fmt"
	"math"

	"github.com/danmuck/wirepack/internal/protocol/bits"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

type uintEncoder struct{ bits int }

// Uint returns the unsigned integer encoder for n in {8,16,32,64}.
func Uint(n int) BitEncoder { return uintEncoder{bits: n} }

func (e uintEncoder) Tag() string { return fmt.Sprintf("uint(%d)", e.bits) }
func (e uintEncoder) Width() int  { return e.bits / 8 }
func (e uintEncoder) Bits() int   { return e.bits }
func (uintEncoder) Kind() Kind    { return KindUint }

func (e uintEncoder) Normalize(v any) (any, error) {
	u, ok := ToUint64(v)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	if !bits.Fits(u, e.bits) {
		return nil, fmt.Errorf("%w: %d overflows %s", wire.ErrInvalidValue, u, e.Tag())
	}
	return u, nil
}

func (e uintEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	return wire.AppendUint(dst, n.(uint64), e.bits/8, order), nil
}

func (e uintEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	u, err := wire.ReadUint(src, e.bits/8, order)
	if err != nil {
		return nil, 0, err
	}
	return u, e.bits / 8, nil
}

func (e uintEncoder) ToBits(v any) (uint64, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return 0, err
	}
	return n.(uint64), nil
}

func (e uintEncoder) FromBits(raw uint64) (any, error) { return raw, nil }

type intEncoder struct{ bits int }

// Int returns the signed integer encoder for n in {8,16,32,64}.
func Int(n int) BitEncoder { return intEncoder{bits: n} }

func (e intEncoder) Tag() string { return fmt.Sprintf("int(%d)", e.bits) }
func (e intEncoder) Width() int  { return e.bits / 8 }
func (e intEncoder) Bits() int   { return e.bits }
func (intEncoder) Kind() Kind    { return KindInt }

func (e intEncoder) Normalize(v any) (any, error) {
	i, ok := ToInt64(v)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	if _, err := bits.Twos(i, e.bits); err != nil {
		return nil, err
	}
	return i, nil
}

func (e intEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	raw, err := e.ToBits(v)
	if err != nil {
		return dst, err
	}
	return wire.AppendUint(dst, raw, e.bits/8, order), nil
}

func (e intEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	raw, err := wire.ReadUint(src, e.bits/8, order)
	if err != nil {
		return nil, 0, err
	}
	return bits.SignExtend(raw, e.bits), e.bits / 8, nil
}

func (e intEncoder) ToBits(v any) (uint64, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return 0, err
	}
	return bits.Twos(n.(int64), e.bits)
}

func (e intEncoder) FromBits(raw uint64) (any, error) { return bits.SignExtend(raw, e.bits), nil }

type float32Encoder struct{}

// Float32 is the "float" encoder (IEEE 754 single precision).
func Float32() Encoder { return float32Encoder{} }

func (float32Encoder) Tag() string { return "float" }
func (float32Encoder) Width() int  { return 4 }
func (float32Encoder) Kind() Kind  { return KindFloat }

func (e float32Encoder) Normalize(v any) (any, error) {
	f, ok := ToFloat64(v)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	return float32(f), nil
}

func (e float32Encoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	return order.AppendUint32(dst, math.Float32bits(n.(float32))), nil
}

func (float32Encoder) Decode(src []byte, order wire.Order) (any, int, error) {
	if len(src) < 4 {
		return nil, 0, wire.Short(4, len(src))
	}
	return math.Float32frombits(order.Uint32(src)), 4, nil
}

type float64Encoder struct{}

// Float64 is the "double" encoder (IEEE 754 double precision).
func Float64() Encoder { return float64Encoder{} }

func (float64Encoder) Tag() string { return "double" }
func (float64Encoder) Width() int  { return 8 }
func (float64Encoder) Kind() Kind  { return KindFloat }

func (e float64Encoder) Normalize(v any) (any, error) {
	f, ok := ToFloat64(v)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	return f, nil
}

func (e float64Encoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	return order.AppendUint64(dst, math.Float64bits(n.(float64))), nil
}

func (float64Encoder) Decode(src []byte, order wire.Order) (any, int, error) {
	if len(src) < 8 {
		return nil, 0, wire.Short(8, len(src))
	}
	return math.Float64frombits(order.Uint64(src)), 8, nil
}

type boolEncoder struct{}

// Bool encodes one byte (one bit in bitwise schemas); any non-zero byte
// decodes as true.
func Bool() BitEncoder { return boolEncoder{} }

func (boolEncoder) Tag() string { return "bool" }
func (boolEncoder) Width() int  { return 1 }
func (boolEncoder) Bits() int   { return 1 }
func (boolEncoder) Kind() Kind  { return KindBool }

func (e boolEncoder) Normalize(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	default:
		if u, ok := ToUint64(v); ok && u <= 1 {
			return u == 1, nil
		}
		return nil, typeErr(e.Tag(), v)
	}
}

func (e boolEncoder) Append(dst []byte, v any, _ wire.Order) ([]byte, error) {
	raw, err := e.ToBits(v)
	if err != nil {
		return dst, err
	}
	return append(dst, byte(raw)), nil
}

func (boolEncoder) Decode(src []byte, _ wire.Order) (any, int, error) {
	if len(src) < 1 {
		return nil, 0, wire.Short(1, 0)
	}
	return src[0] != 0, 1, nil
}

func (e boolEncoder) ToBits(v any) (uint64, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return 0, err
	}
	if n.(bool) {
		return 1, nil
	}
	return 0, nil
}

func (boolEncoder) FromBits(raw uint64) (any, error) { return raw != 0, nil }

type bitfieldEncoder struct {
	bits   int
	signed bool
}

// Bitfield returns the generic bitwise encoder for widths 1..64. Outside a
// bitwise schema it occupies the smallest whole number of bytes.
func Bitfield(width int, signed bool) (BitEncoder, error) {
	if width < 1 || width > bits.MaxWidth {
		return nil, fmt.Errorf("%w: %d", bits.ErrWidth, width)
	}
	return bitfieldEncoder{bits: width, signed: signed}, nil
}

func (e bitfieldEncoder) Tag() string {
	if e.signed {
		return fmt.Sprintf("sbits(%d)", e.bits)
	}
	return fmt.Sprintf("bits(%d)", e.bits)
}

func (e bitfieldEncoder) Width() int { return (e.bits + 7) / 8 }
func (e bitfieldEncoder) Bits() int  { return e.bits }

func (e bitfieldEncoder) Kind() Kind {
	if e.signed {
		return KindInt
	}
	return KindUint
}

func (e bitfieldEncoder) Normalize(v any) (any, error) {
	if e.signed {
		i, ok := ToInt64(v)
		if !ok {
			return nil, typeErr(e.Tag(), v)
		}
		if _, err := bits.Twos(i, e.bits); err != nil {
			return nil, err
		}
		return i, nil
	}
	u, ok := ToUint64(v)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	if !bits.Fits(u, e.bits) {
		return nil, fmt.Errorf("%w: %d overflows %s", wire.ErrInvalidValue, u, e.Tag())
	}
	return u, nil
}

func (e bitfieldEncoder) ToBits(v any) (uint64, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return 0, err
	}
	if e.signed {
		return bits.Twos(n.(int64), e.bits)
	}
	return n.(uint64), nil
}

func (e bitfieldEncoder) FromBits(raw uint64) (any, error) {
	if e.signed {
		return bits.SignExtend(raw, e.bits), nil
	}
	return raw, nil
}

func (e bitfieldEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	raw, err := e.ToBits(v)
	if err != nil {
		return dst, err
	}
	return wire.AppendUint(dst, raw, e.Width(), order), nil
}

func (e bitfieldEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	raw, err := wire.ReadUint(src, e.Width(), order)
	if err != nil {
		return nil, 0, err
	}
	if !e.signed && !bits.Fits(raw, e.bits) {
		return nil, 0, fmt.Errorf("%w: %d overflows %s", wire.ErrInvalidValue, raw, e.Tag())
	}
	v, _ := e.FromBits(raw)
	return v, e.Width(), nil
}
