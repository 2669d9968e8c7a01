package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/bits"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

type writer struct {
	buf []byte
	pk  *bits.Packer
}

func newWriter(s *schema.Schema) *writer {
	if s.IsBitwise() {
		return &writer{pk: &bits.Packer{}}
	}
	return &writer{}
}

func (w *writer) soFar() []byte {
	if w.pk != nil {
		return w.pk.Bytes()
	}
	return w.buf
}

func (w *writer) write(b []byte) {
	if w.pk != nil {
		w.pk.WriteBytes(b)
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *writer) finish() []byte {
	if w.pk != nil {
		return w.pk.Flush()
	}
	return w.buf
}

// envelopeCtx carries the message a header or footer is computed from.
type envelopeCtx struct {
	message *schema.Instance
	body    []byte
}

// encodeStruct resolves and writes in field by field. Each field sees the
// values resolved before it.
func encodeStruct(in *schema.Instance, env *envelopeCtx) ([]byte, *schema.Instance, error) {
	if in == nil {
		return nil, nil, fmt.Errorf("codec: %w: nil instance", schema.ErrFieldTypeMismatch)
	}
	s := in.Schema()
	res := in.Clone()
	if err := fillDerived(res); err != nil {
		return nil, nil, err
	}
	w := newWriter(s)
	sc := &scope{self: res, soFar: w.soFar}
	if env != nil {
		sc.message, sc.body, sc.envelope = env.message, env.body, true
	}

	// Conditions see only the fields already written, as on decode.
	written := schema.New(s)
	for _, f := range s.Fields() {
		written.ClearAt(f.Index())
	}

	for _, f := range s.Fields() {
		i := f.Index()
		if cond := f.Condition(); cond != nil && !cond(written) {
			res.ClearAt(i)
			continue
		}
		v, err := fieldValue(f, res, sc)
		if err != nil {
			return nil, nil, err
		}
		if f.HasAssignments() {
			if err := applyAssignments(f, v, sc); err != nil {
				return nil, nil, err
			}
		}
		if err := checkDerived(f, v, res); err != nil {
			return nil, nil, err
		}
		resolved, err := w.writeField(f, v)
		if err != nil {
			return nil, nil, err
		}
		res.SetAt(i, resolved)
		written.SetAt(i, resolved)
	}
	return w.finish(), res, nil
}

func (w *writer) writeField(f *schema.Field, v any) (any, error) {
	if f.Serializer() != nil {
		resolved, err := resolveNested(f, v)
		if err != nil {
			return nil, err
		}
		payload, err := marshalField(f, resolved)
		if err != nil {
			return nil, err
		}
		w.write(binary.BigEndian.AppendUint32(nil, uint32(len(payload))))
		w.write(payload)
		return resolved, nil
	}
	if be, ok := f.BitEncoder(); ok && w.pk != nil {
		raw, err := be.ToBits(v)
		if err != nil {
			return nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: err}
		}
		if err := w.pk.WriteBits(raw, be.Bits()); err != nil {
			return nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: err}
		}
		return v, nil
	}
	b, resolved, err := fieldBytes(f, v)
	if err != nil {
		return nil, err
	}
	w.write(b)
	return resolved, nil
}

func marshalField(f *schema.Field, v any) ([]byte, error) {
	payload, err := f.Serializer().Marshal(f, v)
	if err != nil {
		return nil, fmt.Errorf("codec: %s.%s: %s serializer: %w", f.Schema().Name(), f.Name(), f.Serializer().Name(), err)
	}
	if len(payload) > MaxSerializedLen {
		return nil, fmt.Errorf("%w: %s.%s: serialized %d bytes", wire.ErrLimitExceeded, f.Schema().Name(), f.Name(), len(payload))
	}
	return payload, nil
}

// resolveNested materializes nested values so serializers see computed fields.
func resolveNested(f *schema.Field, v any) (any, error) {
	if f.Nested() == nil {
		return v, nil
	}
	if !f.IsArray() {
		inst, ok := v.(*schema.Instance)
		if !ok {
			return nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: schema.ErrFieldTypeMismatch}
		}
		return Materialize(inst)
	}
	items, _ := v.([]any)
	out := make([]any, len(items))
	for k, item := range items {
		inst, ok := item.(*schema.Instance)
		if !ok {
			return nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: item, Err: schema.ErrFieldTypeMismatch}
		}
		r, err := Materialize(inst)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// fieldBytes encodes f's byte-aligned layout and returns the resolved value.
func fieldBytes(f *schema.Field, v any) ([]byte, any, error) {
	if !f.IsArray() {
		return elementBytes(f, v)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: schema.ErrFieldTypeMismatch}
	}
	r := f.Repeat()
	var out []byte
	if r.Prefixed {
		out = f.Schema().Order().AppendUint32(out, uint32(len(items)))
	}
	resolved := make([]any, len(items))
	starts := make([]int, len(items))
	for k, item := range items {
		b, ri, err := elementBytes(f, item)
		if err != nil {
			return nil, nil, err
		}
		starts[k] = len(out)
		out = append(out, b...)
		resolved[k] = ri
	}
	if len(r.Terminator) == 0 {
		return out, resolved, nil
	}
	out = append(out, r.Terminator...)
	// The decoder stops at the first element boundary followed by the
	// terminator, including one spanning several elements.
	for k, at := range starts {
		if bytes.HasPrefix(out[at:], r.Terminator) {
			return nil, nil, fmt.Errorf("%w: %s.%s[%d] starts the terminator sequence",
				wire.ErrInvalidValue, f.Schema().Name(), f.Name(), k)
		}
	}
	return out, resolved, nil
}

func elementBytes(f *schema.Field, v any) ([]byte, any, error) {
	if f.Nested() != nil {
		inst, ok := v.(*schema.Instance)
		if !ok {
			return nil, nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: schema.ErrFieldTypeMismatch}
		}
		return encodeStruct(inst, nil)
	}
	if f.SizePath() != nil {
		switch t := v.(type) {
		case string:
			return []byte(t), v, nil
		case []byte:
			return t, v, nil
		}
	}
	b, err := f.Encoder().Append(nil, v, f.Schema().Order())
	if err != nil {
		return nil, nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: err}
	}
	return b, v, nil
}
