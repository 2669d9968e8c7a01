package schema

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Instance holds field values for one schema, indexed like its fields.
type Instance struct {
	schema *Schema
	values []any
	set    []bool
}

// New returns an instance of s with static fields pre-set.
func New(s *Schema) *Instance {
	in := &Instance{
		schema: s,
		values: make([]any, len(s.fields)),
		set:    make([]bool, len(s.fields)),
	}
	for i, f := range s.fields {
		if f.isStatic() {
			in.values[i] = cloneValue(f.static)
			in.set[i] = true
		}
	}
	return in
}

func (in *Instance) Schema() *Schema { return in.schema }

// Set normalizes and stores v. Assignments to static fields are ignored.
func (in *Instance) Set(name string, v any) error {
	f, ok := in.schema.Field(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, in.schema.name, name)
	}
	if f.isStatic() {
		return nil
	}
	n, err := f.Normalize(v)
	if err != nil {
		return err
	}
	in.values[f.index] = n
	in.set[f.index] = true
	return nil
}

// Unset makes a field absent.
func (in *Instance) Unset(name string) {
	if f, ok := in.schema.Field(name); ok {
		in.ClearAt(f.index)
	}
}

// Get returns the stored value of name.
func (in *Instance) Get(name string) (any, bool) {
	f, ok := in.schema.Field(name)
	if !ok {
		return nil, false
	}
	return in.ValueAt(f.index)
}

// Has reports whether name is present.
func (in *Instance) Has(name string) bool {
	_, ok := in.Get(name)
	return ok
}

// ValueAt returns the value at field index i.
func (in *Instance) ValueAt(i int) (any, bool) {
	if i < 0 || i >= len(in.values) || !in.set[i] {
		return nil, false
	}
	return in.values[i], true
}

// SetAt stores an already normalized value at field index i.
func (in *Instance) SetAt(i int, v any) {
	in.values[i] = v
	in.set[i] = true
}

// ClearAt makes the field at index i absent.
func (in *Instance) ClearAt(i int) {
	in.values[i] = nil
	in.set[i] = false
}

// Count is the number of present fields.
func (in *Instance) Count() int {
	n := 0
	for _, ok := range in.set {
		if ok {
			n++
		}
	}
	return n
}

// Lookup walks a dotted path at runtime.
func (in *Instance) Lookup(path string) (any, error) {
	cur := in
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		f, ok := cur.schema.Field(seg)
		if !ok {
			return nil, &PathError{Path: path, Segment: seg, Reason: "unknown field"}
		}
		v, ok := cur.ValueAt(f.index)
		if !ok {
			return nil, &PathError{Path: path, Segment: seg, Reason: "absent"}
		}
		if i == len(segs)-1 {
			return v, nil
		}
		next, ok := v.(*Instance)
		if !ok {
			return nil, &PathError{Path: path, Segment: seg, Reason: "not a nested structure"}
		}
		cur = next
	}
	return nil, &PathError{Path: path, Reason: "empty path"}
}

// Clone deep-copies the instance, nested instances and arrays included.
func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	out := &Instance{
		schema: in.schema,
		values: make([]any, len(in.values)),
		set:    append([]bool(nil), in.set...),
	}
	for i, v := range in.values {
		out.values[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case *Instance:
		return t.Clone()
	case []byte:
		return bytes.Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Equal compares schemas, presence and values.
func (in *Instance) Equal(other *Instance) bool {
	if in == nil || other == nil {
		return in == other
	}
	if in.schema != other.schema {
		return false
	}
	for i := range in.values {
		if in.set[i] != other.set[i] {
			return false
		}
		if in.set[i] && !ValuesEqual(in.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two normalized field values.
func ValuesEqual(a, b any) bool {
	switch ta := a.(type) {
	case *Instance:
		tb, ok := b.(*Instance)
		return ok && ta.Equal(tb)
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !ValuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case []byte:
		tb, ok := b.([]byte)
		return ok && bytes.Equal(ta, tb)
	default:
		return reflect.DeepEqual(a, b)
	}
}

// ToMap converts present fields to plain Go values keyed by field name.
func (in *Instance) ToMap() map[string]any {
	out := make(map[string]any, len(in.values))
	for i, f := range in.schema.fields {
		if in.set[i] {
			out[f.Name()] = plain(in.values[i])
		}
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *Instance:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}

// FromMap builds an instance of s from plain values. Keys for static fields
// are ignored.
func FromMap(s *Schema, m map[string]any) (*Instance, error) {
	in := New(s)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := in.Set(k, m[k]); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (in *Instance) String() string {
	var b strings.Builder
	b.WriteString(in.schema.name)
	b.WriteByte('(')
	first := true
	for i, f := range in.schema.fields {
		if !in.set[i] {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s=%v", f.Name(), in.values[i])
	}
	b.WriteByte(')')
	return b.String()
}

func (in *Instance) typed(name string) (any, error) {
	if _, ok := in.schema.Field(name); !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, in.schema.name, name)
	}
	v, ok := in.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldAbsent, in.schema.name, name)
	}
	return v, nil
}

// Uint returns an unsigned integer field.
func (in *Instance) Uint(name string) (uint64, error) {
	v, err := in.typed(name)
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, ErrFieldTypeMismatch
	}
	return u, nil
}

// Int returns a signed integer field.
func (in *Instance) Int(name string) (int64, error) {
	v, err := in.typed(name)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, ErrFieldTypeMismatch
	}
	return i, nil
}

// Float returns a float, double or fixed-point field as float64.
func (in *Instance) Float(name string) (float64, error) {
	v, err := in.typed(name)
	if err != nil {
		return 0, err
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	default:
		return 0, ErrFieldTypeMismatch
	}
}

// Bool returns a bool field.
func (in *Instance) Bool(name string) (bool, error) {
	v, err := in.typed(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, ErrFieldTypeMismatch
	}
	return b, nil
}

// Str returns a text field.
func (in *Instance) Str(name string) (string, error) {
	v, err := in.typed(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", ErrFieldTypeMismatch
	}
	return s, nil
}

// Bytes returns a copy of a blob field.
func (in *Instance) Bytes(name string) ([]byte, error) {
	v, err := in.typed(name)
	if err != nil {
		return nil, err
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrFieldTypeMismatch
	}
	return bytes.Clone(b), nil
}

// Nested returns a nested structure field.
func (in *Instance) Nested(name string) (*Instance, error) {
	v, err := in.typed(name)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*Instance)
	if !ok {
		return nil, ErrFieldTypeMismatch
	}
	return n, nil
}

// List returns an array field.
func (in *Instance) List(name string) ([]any, error) {
	v, err := in.typed(name)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]any)
	if !ok {
		return nil, ErrFieldTypeMismatch
	}
	return l, nil
}
