package codec

import (
	"fmt"
	"unicode/utf8"

	"github.com/danmuck/wirepack/internal/protocol/encoding"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// scope is what source paths resolve against while one structure is encoded
// or verified.
type scope struct {
	self *schema.Instance
	// soFar returns the bytes written for self before the current field.
	soFar func() []byte

	// Set only for headers and footers.
	message  *schema.Instance
	body     []byte
	envelope bool
}

func (sc *scope) bodyBytes() []byte {
	if sc.envelope {
		return sc.body
	}
	if sc.soFar == nil {
		return nil
	}
	return sc.soFar()
}

func (sc *scope) resolve(p *schema.Path) (any, error) {
	switch p.Scope() {
	case schema.ScopeBody:
		if sc.message == nil {
			return nil, &schema.PathError{Path: p.String(), Reason: "no message in scope"}
		}
		return p.Resolve(sc.message)
	default:
		return p.Resolve(sc.self)
	}
}

// eval produces the raw value of src. The caller normalizes it.
func (sc *scope) eval(src schema.Source, p *schema.Path) (any, error) {
	switch s := src.(type) {
	case schema.Static:
		return s.Value, nil
	case schema.Compute:
		v, err := s.Fn(&schema.Context{Instance: sc.self, Body: sc.bodyBytes(), Message: sc.message})
		if err != nil {
			return nil, fmt.Errorf("codec: %s: %w", s, err)
		}
		return v, nil
	case schema.ValueFrom:
		return sc.resolve(p)
	case schema.LengthOf:
		v, err := sc.resolve(p)
		if err != nil {
			return nil, err
		}
		return lengthOf(p.Leaf(), v)
	case schema.SizeOf:
		if p.Scope() == schema.ScopeWholeBody {
			return uint64(len(sc.bodyBytes())), nil
		}
		v, err := sc.resolve(p)
		if err != nil {
			return nil, err
		}
		return SizeOfValue(p.Leaf(), v)
	default:
		return nil, fmt.Errorf("codec: unsupported source %T", src)
	}
}

func lengthOf(f *schema.Field, v any) (uint64, error) {
	switch t := v.(type) {
	case string:
		return uint64(utf8.RuneCountInString(t)), nil
	case []byte:
		return uint64(len(t)), nil
	case []any:
		return uint64(len(t)), nil
	case *schema.Instance:
		b, err := Encode(t)
		if err != nil {
			return 0, err
		}
		return uint64(len(b)), nil
	default:
		return 0, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: encoding.ErrValueType}
	}
}

// SizeOfValue is the number of bytes f would occupy holding v, encoded on its
// own outside any bitwise packing.
func SizeOfValue(f *schema.Field, v any) (uint64, error) {
	if ser := f.Serializer(); ser != nil {
		payload, err := marshalField(f, v)
		if err != nil {
			return 0, err
		}
		return uint64(4 + len(payload)), nil
	}
	b, _, err := fieldBytes(f, v)
	if err != nil {
		return 0, err
	}
	return uint64(len(b)), nil
}

// fieldValue returns the value f will be encoded with.
func fieldValue(f *schema.Field, res *schema.Instance, sc *scope) (any, error) {
	switch f.Source().(type) {
	case nil:
		v, ok := res.ValueAt(f.Index())
		if !ok {
			return nil, MissingFieldError{Schema: f.Schema().Name(), Field: f.Name()}
		}
		return v, nil
	case schema.Static:
		v, _ := f.StaticValue()
		return v, nil
	default:
		raw, err := sc.eval(f.Source(), f.SourcePath())
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", f.Schema().Name(), f.Name(), err)
		}
		return f.Normalize(raw)
	}
}

// applyAssignments writes each deep assignment of f into v, which must be an
// instance the caller does not own.
func applyAssignments(f *schema.Field, v any, sc *scope) error {
	nested, ok := v.(*schema.Instance)
	if !ok {
		return &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: schema.ErrFieldTypeMismatch}
	}
	for k := range f.Assignments() {
		target, src, p := f.AssignmentAt(k)
		raw, err := sc.eval(src, p)
		if err != nil {
			return fmt.Errorf("%s.%s: assign %s: %w", f.Schema().Name(), f.Name(), target, err)
		}
		if err := target.Set(nested, raw); err != nil {
			return fmt.Errorf("%s.%s: assign %s: %w", f.Schema().Name(), f.Name(), target, err)
		}
	}
	return nil
}

// fillDerived sets absent count and size fields from the values they
// describe. Only references to direct siblings are filled.
func fillDerived(res *schema.Instance) error {
	s := res.Schema()
	for _, f := range s.Fields() {
		v, ok := res.ValueAt(f.Index())
		if !ok {
			continue
		}
		if p := f.CountPath(); p != nil && p.Scope() == schema.ScopeSelf && len(p.Steps()) == 1 {
			items, _ := v.([]any)
			if err := fillSibling(res, p.Head(), uint64(len(items))); err != nil {
				return err
			}
		}
		if p := f.SizePath(); p != nil && p.Scope() == schema.ScopeSelf && len(p.Steps()) == 1 {
			n, err := rawLen(f, v)
			if err != nil {
				return err
			}
			if err := fillSibling(res, p.Head(), uint64(n)); err != nil {
				return err
			}
		}
	}
	return nil
}

func fillSibling(res *schema.Instance, idx int, n uint64) error {
	if _, ok := res.ValueAt(idx); ok {
		return nil
	}
	target := res.Schema().FieldAt(idx)
	if target.Source() != nil {
		return nil
	}
	v, err := target.Normalize(n)
	if err != nil {
		return err
	}
	res.SetAt(idx, v)
	return nil
}

// checkDerived verifies that the count or size an array or sized field
// refers to agrees with the value about to be written.
func checkDerived(f *schema.Field, v any, res *schema.Instance) error {
	if p := f.CountPath(); p != nil {
		items, _ := v.([]any)
		if err := agree(f, p, res, uint64(len(items)), "count"); err != nil {
			return err
		}
	}
	if p := f.SizePath(); p != nil {
		n, err := rawLen(f, v)
		if err != nil {
			return err
		}
		if err := agree(f, p, res, uint64(n), "size"); err != nil {
			return err
		}
	}
	return nil
}

func agree(f *schema.Field, p *schema.Path, res *schema.Instance, actual uint64, what string) error {
	cv, err := p.Resolve(res)
	if err != nil {
		return fmt.Errorf("%s.%s: %s: %w", f.Schema().Name(), f.Name(), what, err)
	}
	want, ok := encoding.ToUint64(cv)
	if !ok || want != actual {
		return fmt.Errorf("%w: %s.%s: %s field %s is %v but value needs %d",
			wire.ErrInvalidValue, f.Schema().Name(), f.Name(), what, p, cv, actual)
	}
	return nil
}

// rawLen is the byte length of a SizeFrom field's value.
func rawLen(f *schema.Field, v any) (int, error) {
	switch t := v.(type) {
	case string:
		return len(t), nil
	case []byte:
		return len(t), nil
	default:
		return 0, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: encoding.ErrValueType}
	}
}
