package encoding

import (
	"fmt"
	"math"

	"github.com/danmuck/wirepack/internal/protocol/bits"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

type fixedEncoder struct {
	intBits  int
	fracBits int
	signed   bool
	scale    float64
	size     int
}

// FixedPoint stores a float as round(v * 2^fracBits) in the smallest whole
// number of bytes holding intBits+fracBits.
func FixedPoint(intBits, fracBits int, signed bool) (Encoder, error) {
	total := intBits + fracBits
	if intBits < 0 || fracBits < 0 || total < 1 || total > 64 {
		return nil, fmt.Errorf("%w: fixed(%d,%d) needs 1..64 total bits", ErrBadTag, intBits, fracBits)
	}
	return fixedEncoder{
		intBits:  intBits,
		fracBits: fracBits,
		signed:   signed,
		scale:    math.Ldexp(1, fracBits),
		size:     (total + 7) / 8,
	}, nil
}

func (e fixedEncoder) Tag() string {
	if e.signed {
		return fmt.Sprintf("fixed(%d,%d)", e.intBits, e.fracBits)
	}
	return fmt.Sprintf("ufixed(%d,%d)", e.intBits, e.fracBits)
}

func (e fixedEncoder) Width() int { return e.size }
func (fixedEncoder) Kind() Kind   { return KindFloat }

func (e fixedEncoder) Normalize(v any) (any, error) {
	f, ok := ToFloat64(v)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	if _, err := e.raw(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (e fixedEncoder) raw(f float64) (uint64, error) {
	total := e.intBits + e.fracBits
	scaled := math.Round(f * e.scale)
	if math.IsNaN(scaled) || math.IsInf(scaled, 0) {
		return 0, fmt.Errorf("%w: %v not representable as %s", wire.ErrInvalidValue, f, e.Tag())
	}
	if e.signed {
		lo := -math.Ldexp(1, total-1)
		hi := math.Ldexp(1, total-1) - 1
		if scaled < lo || scaled > hi {
			return 0, fmt.Errorf("%w: %v out of range for %s", wire.ErrInvalidValue, f, e.Tag())
		}
		return bits.Twos(int64(scaled), e.size*8)
	}
	if scaled < 0 || scaled > math.Ldexp(1, total)-1 {
		return 0, fmt.Errorf("%w: %v out of range for %s", wire.ErrInvalidValue, f, e.Tag())
	}
	return uint64(scaled), nil
}

func (e fixedEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	raw, err := e.raw(n.(float64))
	if err != nil {
		return dst, err
	}
	return wire.AppendUint(dst, raw, e.size, order), nil
}

func (e fixedEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	raw, err := wire.ReadUint(src, e.size, order)
	if err != nil {
		return nil, 0, err
	}
	if e.signed {
		return float64(bits.SignExtend(raw, e.size*8)) / e.scale, e.size, nil
	}
	return float64(raw) / e.scale, e.size, nil
}
