package encoding

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/danmuck/wirepack/internal/protocol/bits"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// prefixLen is the u32 length prefix carried by variable str/bytes/rle values.
const prefixLen = 4

func readPrefixed(src []byte, order wire.Order) ([]byte, int, error) {
	if len(src) < prefixLen {
		return nil, 0, wire.Short(prefixLen, len(src))
	}
	n := int(order.Uint32(src))
	if len(src)-prefixLen < n {
		return nil, 0, wire.Short(prefixLen+n, len(src))
	}
	return src[prefixLen : prefixLen+n], prefixLen + n, nil
}

type stringEncoder struct{ size int }

// String returns the UTF-8 text encoder. size 0 writes a u32 byte-length
// prefix; a positive size writes exactly size bytes, zero padded.
func String(size int) Encoder { return stringEncoder{size: size} }

func (e stringEncoder) Tag() string {
	if e.size > 0 {
		return fmt.Sprintf("str(%d)", e.size)
	}
	return "str"
}

func (stringEncoder) Kind() Kind { return KindString }

func (e stringEncoder) Width() int {
	if e.size > 0 {
		return e.size
	}
	return Variable
}

func (e stringEncoder) Normalize(v any) (any, error) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return nil, typeErr(e.Tag(), v)
	}
	if e.size > 0 && len(s) > e.size {
		return nil, fmt.Errorf("%w: %d bytes exceed %s", wire.ErrInvalidValue, len(s), e.Tag())
	}
	// NUL padding is stripped on decode, so a trailing NUL would not survive.
	if e.size > 0 && strings.HasSuffix(s, "\x00") {
		return nil, fmt.Errorf("%w: %s value ends with NUL", wire.ErrInvalidValue, e.Tag())
	}
	return s, nil
}

func (e stringEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	s := n.(string)
	if e.size == 0 {
		dst = order.AppendUint32(dst, uint32(len(s)))
		return append(dst, s...), nil
	}
	dst = append(dst, s...)
	for i := len(s); i < e.size; i++ {
		dst = append(dst, 0)
	}
	return dst, nil
}

func (e stringEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	if e.size == 0 {
		raw, n, err := readPrefixed(src, order)
		if err != nil {
			return nil, 0, err
		}
		return string(raw), n, nil
	}
	if len(src) < e.size {
		return nil, 0, wire.Short(e.size, len(src))
	}
	return string(bytes.TrimRight(src[:e.size], "\x00")), e.size, nil
}

type bytesEncoder struct{ size int }

// Bytes returns the blob encoder. size 0 writes a u32 length prefix; a
// positive size requires values of exactly that length.
func Bytes(size int) Encoder { return bytesEncoder{size: size} }

func (e bytesEncoder) Tag() string {
	if e.size > 0 {
		return fmt.Sprintf("bytes(%d)", e.size)
	}
	return "bytes"
}

func (bytesEncoder) Kind() Kind { return KindBytes }

func (e bytesEncoder) Width() int {
	if e.size > 0 {
		return e.size
	}
	return Variable
}

func (e bytesEncoder) Normalize(v any) (any, error) {
	var b []byte
	switch t := v.(type) {
	case []byte:
		b = bytes.Clone(t)
		if b == nil {
			b = []byte{}
		}
	case string:
		b = []byte(t)
	default:
		return nil, typeErr(e.Tag(), v)
	}
	if e.size > 0 && len(b) != e.size {
		return nil, fmt.Errorf("%w: %s needs exactly %d bytes, got %d", wire.ErrInvalidValue, e.Tag(), e.size, len(b))
	}
	return b, nil
}

func (e bytesEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	b := n.([]byte)
	if e.size == 0 {
		dst = order.AppendUint32(dst, uint32(len(b)))
	}
	return append(dst, b...), nil
}

func (e bytesEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	if e.size == 0 {
		raw, n, err := readPrefixed(src, order)
		if err != nil {
			return nil, 0, err
		}
		return bytes.Clone(raw), n, nil
	}
	if len(src) < e.size {
		return nil, 0, wire.Short(e.size, len(src))
	}
	return bytes.Clone(src[:e.size]), e.size, nil
}

type runLengthEncoder struct{ bytesEncoder }

// RunLength compresses a byte blob into (count, value) pairs, runs capped at
// 255, behind a u32 prefix holding the encoded pair bytes.
func RunLength() Encoder { return runLengthEncoder{} }

func (runLengthEncoder) Tag() string { return "rle" }

func (e runLengthEncoder) Normalize(v any) (any, error) {
	n, err := e.bytesEncoder.Normalize(v)
	if err != nil {
		return nil, typeErr(e.Tag(), v)
	}
	return n, nil
}

func (e runLengthEncoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	raw := n.([]byte)
	pairs := make([]byte, 0, 2*len(raw))
	for i := 0; i < len(raw); {
		run := 1
		for i+run < len(raw) && raw[i+run] == raw[i] && run < 255 {
			run++
		}
		pairs = append(pairs, byte(run), raw[i])
		i += run
	}
	dst = order.AppendUint32(dst, uint32(len(pairs)))
	return append(dst, pairs...), nil
}

func (e runLengthEncoder) Decode(src []byte, order wire.Order) (any, int, error) {
	pairs, n, err := readPrefixed(src, order)
	if err != nil {
		return nil, 0, err
	}
	if len(pairs)%2 != 0 {
		return nil, 0, fmt.Errorf("%w: rle payload has odd length %d", wire.ErrInvalidValue, len(pairs))
	}
	out := make([]byte, 0, len(pairs))
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, bytes.Repeat([]byte{pairs[i+1]}, int(pairs[i]))...)
	}
	return out, n, nil
}

type ascii7Encoder struct{}

// ASCII7 packs 7-bit characters (8 characters per 7 bytes) behind a u16
// character count.
func ASCII7() Encoder { return ascii7Encoder{} }

func (ascii7Encoder) Tag() string { return "ascii7" }
func (ascii7Encoder) Width() int  { return Variable }
func (ascii7Encoder) Kind() Kind  { return KindString }

func (e ascii7Encoder) Normalize(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, typeErr(e.Tag(), v)
	}
	if len(s) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d characters exceed ascii7 count", wire.ErrInvalidValue, len(s))
	}
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return nil, fmt.Errorf("%w: non-ASCII byte 0x%02x at %d", wire.ErrInvalidValue, s[i], i)
		}
	}
	return s, nil
}

func (e ascii7Encoder) Append(dst []byte, v any, order wire.Order) ([]byte, error) {
	n, err := e.Normalize(v)
	if err != nil {
		return dst, err
	}
	s := n.(string)
	dst = order.AppendUint16(dst, uint16(len(s)))
	var p bits.Packer
	for i := 0; i < len(s); i++ {
		if err := p.WriteBits(uint64(s[i]), 7); err != nil {
			return dst, err
		}
	}
	return append(dst, p.Flush()...), nil
}

func (ascii7Encoder) Decode(src []byte, order wire.Order) (any, int, error) {
	if len(src) < 2 {
		return nil, 0, wire.Short(2, len(src))
	}
	count := int(order.Uint16(src))
	packed := (count*7 + 7) / 8
	if len(src)-2 < packed {
		return nil, 0, wire.Short(2+packed, len(src))
	}
	u := bits.NewUnpacker(src[2 : 2+packed])
	out := make([]byte, count)
	for i := range out {
		c, err := u.ReadBits(7)
		if err != nil {
			return nil, 0, err
		}
		out[i] = byte(c)
	}
	return string(out), 2 + packed, nil
}
