package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/bits"
	"github.com/danmuck/wirepack/internal/protocol/encoding"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

type reader struct {
	src []byte
	pos int
	u   *bits.Unpacker
}

func newReader(s *schema.Schema, src []byte) *reader {
	if s.IsBitwise() {
		return &reader{u: bits.NewUnpacker(src)}
	}
	return &reader{src: src}
}

func (r *reader) rest() []byte {
	if r.u != nil {
		return r.u.Rest()
	}
	return r.src[r.pos:]
}

func (r *reader) advance(n int) error {
	if r.u != nil {
		return r.u.Skip(n)
	}
	r.pos += n
	return nil
}

func (r *reader) consumed() int {
	if r.u != nil {
		return r.u.BytesConsumed()
	}
	return r.pos
}

func decodeStruct(s *schema.Schema, data []byte) (*schema.Instance, int, error) {
	in := schema.New(s)
	for i := 0; i < s.Len(); i++ {
		in.ClearAt(i)
	}
	r := newReader(s, data)
	for _, f := range s.Fields() {
		i := f.Index()
		if cond := f.Condition(); cond != nil && !cond(in) {
			continue
		}
		v, err := r.readField(f, in)
		if err != nil {
			return in, 0, fmt.Errorf("%s.%s: %w", s.Name(), f.Name(), err)
		}
		if want, ok := f.StaticValue(); ok && !schema.ValuesEqual(want, v) {
			return in, 0, &wire.StaticMismatchError{Field: f.Name(), Expected: want, Actual: v}
		}
		in.SetAt(i, v)
	}
	return in, r.consumed(), nil
}

func (r *reader) readField(f *schema.Field, in *schema.Instance) (any, error) {
	if be, ok := f.BitEncoder(); ok && r.u != nil {
		raw, err := r.u.ReadBits(be.Bits())
		if err != nil {
			return nil, err
		}
		return be.FromBits(raw)
	}
	v, n, err := readBytes(f, r.rest(), in)
	if err != nil {
		return nil, err
	}
	if err := r.advance(n); err != nil {
		return nil, err
	}
	return v, nil
}

func readBytes(f *schema.Field, src []byte, in *schema.Instance) (any, int, error) {
	if ser := f.Serializer(); ser != nil {
		if len(src) < 4 {
			return nil, 0, wire.Short(4, len(src))
		}
		n := binary.BigEndian.Uint32(src)
		if n > MaxSerializedLen {
			return nil, 0, fmt.Errorf("%w: serialized field of %d bytes", wire.ErrLimitExceeded, n)
		}
		if len(src)-4 < int(n) {
			return nil, 0, wire.Short(4+int(n), len(src))
		}
		v, err := ser.Unmarshal(f, src[4:4+n])
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s serializer: %v", wire.ErrInvalidValue, ser.Name(), err)
		}
		return v, 4 + int(n), nil
	}
	return readLayout(f, src, in)
}

// readLayout reads f's own byte layout, ignoring any serializer.
func readLayout(f *schema.Field, src []byte, in *schema.Instance) (any, int, error) {
	if !f.IsArray() {
		return readElement(f, src, in)
	}
	return readArray(f, src, in)
}

func readArray(f *schema.Field, src []byte, in *schema.Instance) (any, int, error) {
	rep := f.Repeat()
	off := 0
	count := -1
	switch {
	case rep.Count > 0:
		count = rep.Count
	case f.CountPath() != nil:
		cv, err := f.CountPath().Resolve(in)
		if err != nil {
			return nil, 0, err
		}
		n, ok := encoding.ToUint64(cv)
		if !ok {
			return nil, 0, fmt.Errorf("%w: count %v is not an integer", wire.ErrInvalidValue, cv)
		}
		if n > MaxArrayItems {
			return nil, 0, fmt.Errorf("%w: %d items", wire.ErrLimitExceeded, n)
		}
		count = int(n)
	case rep.Prefixed:
		n, err := wire.ReadUint(src, 4, f.Schema().Order())
		if err != nil {
			return nil, 0, err
		}
		if n > MaxArrayItems {
			return nil, 0, fmt.Errorf("%w: %d items", wire.ErrLimitExceeded, n)
		}
		count = int(n)
		off = 4
	}

	if count >= 0 {
		items := make([]any, 0, min(count, 1024))
		for k := 0; k < count; k++ {
			v, n, err := readElement(f, src[off:], in)
			if err != nil {
				return nil, 0, fmt.Errorf("[%d]: %w", k, err)
			}
			items = append(items, v)
			off += n
		}
		return items, off, nil
	}

	term := rep.Terminator
	var items []any
	for {
		if bytes.HasPrefix(src[off:], term) {
			return items, off + len(term), nil
		}
		if off == len(src) {
			return nil, 0, wire.Short(off+len(term), len(src))
		}
		v, n, err := readElement(f, src[off:], in)
		if err != nil {
			return nil, 0, fmt.Errorf("[%d]: %w", len(items), err)
		}
		if n == 0 {
			return nil, 0, fmt.Errorf("%w: zero-width element before terminator", wire.ErrInvalidValue)
		}
		items = append(items, v)
		off += n
		if len(items) > MaxArrayItems {
			return nil, 0, fmt.Errorf("%w: %d items", wire.ErrLimitExceeded, len(items))
		}
	}
}

func readElement(f *schema.Field, src []byte, in *schema.Instance) (any, int, error) {
	if nested := f.Nested(); nested != nil {
		v, n, err := decodeStruct(nested, src)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil
	}
	if p := f.SizePath(); p != nil {
		sv, err := p.Resolve(in)
		if err != nil {
			return nil, 0, err
		}
		size, ok := encoding.ToUint64(sv)
		if !ok {
			return nil, 0, fmt.Errorf("%w: size %v is not an integer", wire.ErrInvalidValue, sv)
		}
		if uint64(len(src)) < size {
			return nil, 0, wire.Short(int(min(size, uint64(MaxSerializedLen))), len(src))
		}
		raw := src[:size]
		if f.Kind() == encoding.KindString {
			return string(raw), int(size), nil
		}
		return bytes.Clone(raw), int(size), nil
	}
	return f.Encoder().Decode(src, f.Schema().Order())
}
