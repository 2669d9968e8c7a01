// Package bits packs and unpacks sub-byte fields, MSB first.
package bits

import (
	"errors"
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

const MaxWidth = 64

var ErrWidth = errors.New("bits: width must be between 1 and 64")

func checkWidth(width int) error {
	if width < 1 || width > MaxWidth {
		return fmt.Errorf("%w: %d", ErrWidth, width)
	}
	return nil
}

func mask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// Twos returns the width-bit two's complement pattern of v.
func Twos(v int64, width int) (uint64, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}
	if width < 64 {
		lo := -(int64(1) << (width - 1))
		hi := (int64(1) << (width - 1)) - 1
		if v < lo || v > hi {
			return 0, fmt.Errorf("%w: %d out of range for %d-bit signed field", wire.ErrInvalidValue, v, width)
		}
	}
	return uint64(v) & mask(width), nil
}

// SignExtend interprets the low width bits of raw as a signed integer.
func SignExtend(raw uint64, width int) int64 {
	if width >= 64 {
		return int64(raw)
	}
	raw &= mask(width)
	if raw&(uint64(1)<<(width-1)) != 0 {
		return int64(raw | ^mask(width))
	}
	return int64(raw)
}

// Fits reports whether v is representable in width unsigned bits.
func Fits(v uint64, width int) bool {
	return width >= 64 || v <= mask(width)
}

// Packer accumulates bit writes into bytes.
type Packer struct {
	out     []byte
	cur     uint64
	pending int
}

// WriteBits appends the low width bits of v.
func (p *Packer) WriteBits(v uint64, width int) error {
	if err := checkWidth(width); err != nil {
		return err
	}
	if !Fits(v, width) {
		return fmt.Errorf("%w: %d out of range for %d-bit field", wire.ErrInvalidValue, v, width)
	}
	for i := width - 1; i >= 0; i-- {
		p.cur = p.cur<<1 | (v>>i)&1
		p.pending++
		if p.pending == 8 {
			p.out = append(p.out, byte(p.cur))
			p.cur = 0
			p.pending = 0
		}
	}
	return nil
}

// WriteSigned appends v as a width-bit two's complement value.
func (p *Packer) WriteSigned(v int64, width int) error {
	raw, err := Twos(v, width)
	if err != nil {
		return err
	}
	return p.WriteBits(raw, width)
}

// Align zero-pads a partial byte, if any.
func (p *Packer) Align() {
	if p.pending == 0 {
		return
	}
	p.out = append(p.out, byte(p.cur<<(8-p.pending)))
	p.cur = 0
	p.pending = 0
}

// WriteBytes aligns and then appends b unchanged.
func (p *Packer) WriteBytes(b []byte) {
	p.Align()
	p.out = append(p.out, b...)
}

// Pending reports bits written but not yet emitted as a full byte.
func (p *Packer) Pending() int { return p.pending }

// Len reports completed bytes.
func (p *Packer) Len() int { return len(p.out) }

// Bytes returns the completed bytes without the pending partial byte. The
// slice is only valid until the next write.
func (p *Packer) Bytes() []byte { return p.out }

// Flush pads the final partial byte and returns everything written, leaving
// the packer empty.
func (p *Packer) Flush() []byte {
	p.Align()
	out := p.out
	p.out = nil
	return out
}

// Unpacker reads bit fields from a byte slice.
type Unpacker struct {
	src []byte
	pos int
}

func NewUnpacker(src []byte) *Unpacker {
	return &Unpacker{src: src}
}

// Remaining reports unread bits.
func (u *Unpacker) Remaining() int { return len(u.src)*8 - u.pos }

// ReadBits consumes width bits.
func (u *Unpacker) ReadBits(width int) (uint64, error) {
	if err := checkWidth(width); err != nil {
		return 0, err
	}
	if u.Remaining() < width {
		return 0, fmt.Errorf("%w: need %d bits, have %d", wire.ErrInsufficientData, width, u.Remaining())
	}
	var v uint64
	for i := 0; i < width; i++ {
		b := u.src[u.pos>>3]
		bit := (b >> (7 - uint(u.pos&7))) & 1
		v = v<<1 | uint64(bit)
		u.pos++
	}
	return v, nil
}

// ReadSigned consumes width bits as a two's complement integer.
func (u *Unpacker) ReadSigned(width int) (int64, error) {
	raw, err := u.ReadBits(width)
	if err != nil {
		return 0, err
	}
	return SignExtend(raw, width), nil
}

// Align skips to the next byte boundary.
func (u *Unpacker) Align() {
	u.pos = (u.pos + 7) &^ 7
}

// Rest aligns and returns the unread bytes.
func (u *Unpacker) Rest() []byte {
	u.Align()
	if u.pos>>3 >= len(u.src) {
		return nil
	}
	return u.src[u.pos>>3:]
}

// Skip aligns and advances n whole bytes.
func (u *Unpacker) Skip(n int) error {
	u.Align()
	if len(u.src)-u.pos>>3 < n {
		return wire.Short(n, len(u.src)-u.pos>>3)
	}
	u.pos += n * 8
	return nil
}

// BytesConsumed reports whole bytes touched, rounding a partial byte up.
func (u *Unpacker) BytesConsumed() int {
	return (u.pos + 7) >> 3
}
