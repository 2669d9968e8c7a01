package schema

import (
	"fmt"
	"reflect"

	"github.com/danmuck/wirepack/internal/protocol/encoding"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// FieldSpec declares one field of a schema. Exactly one of Type, Encoder or
// Nested names the field's layout.
type FieldSpec struct {
	Name string
	// Type is an encoder tag such as "uint(16)" or "str(8)".
	Type    string
	Encoder encoding.Encoder
	Nested  *Schema

	Source Source
	// Condition omits the field entirely when it returns false. It sees the
	// values encoded or decoded so far.
	Condition func(*Instance) bool
	Repeat    *Repeat
	// SizeFrom names an earlier field holding the byte length of this str or
	// bytes field; no length prefix is written.
	SizeFrom   string
	Serializer Serializer
	// Assign is applied to a copy of the nested value before it is encoded.
	Assign []Assignment
}

// Repeat turns a field into an array. Exactly one strategy is set.
type Repeat struct {
	Count      int
	CountFrom  string
	Prefixed   bool
	Terminator []byte
}

// Assignment writes a computed value into a nested field before the nested
// structure is encoded. Target is relative to the nested schema; Source paths
// are relative to the owning schema and may name any sibling.
type Assignment struct {
	Target string
	Source Source
}

// Serializer replaces a field's layout with [u32 length][Marshal output].
type Serializer interface {
	Name() string
	Marshal(f *Field, v any) ([]byte, error)
	Unmarshal(f *Field, data []byte) (any, error)
}

// Field is a validated FieldSpec with its references resolved.
type Field struct {
	spec    FieldSpec
	owner   *Schema
	index   int
	enc     encoding.Encoder
	source  Source
	static  any
	srcPath *Path
	count   *Path
	size    *Path
	assign  []assignment
	derived bool
}

type assignment struct {
	target *Path
	source Source
	path   *Path
}

func (f *Field) Name() string                    { return f.spec.Name }
func (f *Field) Index() int                      { return f.index }
func (f *Field) Schema() *Schema                 { return f.owner }
func (f *Field) Encoder() encoding.Encoder       { return f.enc }
func (f *Field) Nested() *Schema                 { return f.spec.Nested }
func (f *Field) Source() Source                  { return f.source }
func (f *Field) SourcePath() *Path               { return f.srcPath }
func (f *Field) Repeat() *Repeat                 { return f.spec.Repeat }
func (f *Field) CountPath() *Path                { return f.count }
func (f *Field) SizePath() *Path                 { return f.size }
func (f *Field) Serializer() Serializer          { return f.spec.Serializer }
func (f *Field) Conditional() bool               { return f.spec.Condition != nil }
func (f *Field) IsArray() bool                   { return f.spec.Repeat != nil }
func (f *Field) HasAssignments() bool            { return len(f.assign) > 0 }
func (f *Field) StaticValue() (any, bool)        { return f.static, f.isStatic() }
func (f *Field) Condition() func(*Instance) bool { return f.spec.Condition }

func (f *Field) isStatic() bool {
	_, ok := f.source.(Static)
	return ok
}

// Required reports whether callers must supply the field: it has no value
// source, no condition, and no later field derives it as a count or size.
func (f *Field) Required() bool {
	return f.source == nil && f.spec.Condition == nil && !f.derived
}

// Derived reports whether a later field uses this one as its count or size.
func (f *Field) Derived() bool { return f.derived }

// Kind reports the element value kind, or KindOther for nested fields.
func (f *Field) Kind() encoding.Kind {
	if f.enc == nil {
		return encoding.KindOther
	}
	return encoding.KindOf(f.enc)
}

// Type describes the field's layout for diagnostics.
func (f *Field) Type() string {
	var t string
	switch {
	case f.spec.Nested != nil:
		t = f.spec.Nested.Name()
	case f.enc != nil:
		t = f.enc.Tag()
	}
	if f.spec.Repeat != nil {
		t = "[]" + t
	}
	return t
}

// Assignments returns the target and source of each deep assignment.
func (f *Field) Assignments() []Assignment {
	out := make([]Assignment, len(f.assign))
	for i, a := range f.assign {
		out[i] = Assignment{Target: a.target.String(), Source: a.source}
	}
	return out
}

// AssignmentAt exposes the resolved paths of deep assignment i.
func (f *Field) AssignmentAt(i int) (target *Path, src Source, srcPath *Path) {
	a := f.assign[i]
	return a.target, a.source, a.path
}

// ElementWidth is the static byte width of one element, or Variable.
func (f *Field) ElementWidth() int {
	if f.spec.Serializer != nil || f.size != nil {
		return encoding.Variable
	}
	if f.spec.Nested != nil {
		return f.spec.Nested.Width()
	}
	return f.enc.Width()
}

// Width is the static byte width of the whole field, ignoring any condition,
// or Variable.
func (f *Field) Width() int {
	w := f.ElementWidth()
	if w == encoding.Variable {
		return w
	}
	if r := f.spec.Repeat; r != nil {
		if r.Count == 0 || r.CountFrom != "" || r.Prefixed || r.Terminator != nil {
			return encoding.Variable
		}
		return w * r.Count
	}
	return w
}

// BitEncoder returns the field's bit-level encoder when it can be packed in a
// bitwise schema.
func (f *Field) BitEncoder() (encoding.BitEncoder, bool) {
	if f.spec.Nested != nil || f.spec.Repeat != nil || f.spec.Serializer != nil || f.size != nil {
		return nil, false
	}
	be, ok := f.enc.(encoding.BitEncoder)
	return be, ok
}

// Normalize converts v into the canonical representation stored in instances.
func (f *Field) Normalize(v any) (any, error) {
	n, err := f.normalize(v)
	if err != nil {
		return nil, &wire.EncodeTypeError{Field: f.Name(), Type: f.Type(), Value: v, Err: err}
	}
	return n, nil
}

func (f *Field) normalize(v any) (any, error) {
	if f.spec.Repeat == nil {
		return f.normalizeElement(v)
	}
	if items, ok := v.([]any); ok {
		return f.normalizeItems(items)
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, encoding.ErrValueType
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return f.normalizeItems(items)
}

func (f *Field) normalizeItems(items []any) (any, error) {
	r := f.spec.Repeat
	if r.Count > 0 && len(items) != r.Count {
		return nil, errCount(r.Count, len(items))
	}
	out := make([]any, len(items))
	for i, item := range items {
		n, err := f.normalizeElement(item)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (f *Field) normalizeElement(v any) (any, error) {
	if nested := f.spec.Nested; nested != nil {
		switch t := v.(type) {
		case *Instance:
			if t == nil || t.schema != nested {
				return nil, ErrFieldTypeMismatch
			}
			return t, nil
		case map[string]any:
			return FromMap(nested, t)
		default:
			return nil, ErrFieldTypeMismatch
		}
	}
	return f.enc.Normalize(v)
}

func errCount(want, got int) error {
	return fmt.Errorf("%w: array needs %d items, got %d", wire.ErrInvalidValue, want, got)
}
