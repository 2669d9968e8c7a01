// Package schema declares message layouts: ordered fields, their value
// sources and the references between them.
//
// A Schema is immutable once built. Every path a field refers to is resolved
// at build time into field indices, and value, count and size references must
// point at strictly earlier fields.
package schema

import (
	"fmt"
	"strings"

	"github.com/danmuck/wirepack/internal/protocol/encoding"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

var defaultRegistry = encoding.NewRegistry()

// Schema is a validated, ordered field list.
type Schema struct {
	name     string
	fields   []*Field
	index    map[string]int
	specs    []FieldSpec
	order    wire.Order
	bitwise  bool
	envelope bool
	body     *Schema
}

type options struct {
	registry *encoding.Registry
	order    wire.Order
	bitwise  bool
}

// Option configures Build.
type Option func(*options)

// WithRegistry resolves Type tags against r instead of the built-ins.
func WithRegistry(r *encoding.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithOrder sets the byte order of multi-byte scalars. Default big endian.
func WithOrder(order wire.Order) Option {
	return func(o *options) { o.order = order }
}

// Bitwise packs scalar fields at bit resolution. Nested, variable-width and
// serialized fields stay byte aligned.
func Bitwise() Option {
	return func(o *options) { o.bitwise = true }
}

func (s *Schema) Name() string         { return s.name }
func (s *Schema) Len() int             { return len(s.fields) }
func (s *Schema) Order() wire.Order    { return s.order }
func (s *Schema) IsBitwise() bool      { return s.bitwise }
func (s *Schema) IsEnvelope() bool     { return s.envelope }
func (s *Schema) Body() *Schema        { return s.body }
func (s *Schema) FieldAt(i int) *Field { return s.fields[i] }

// Fields returns the fields in wire order.
func (s *Schema) Fields() []*Field {
	return append([]*Field(nil), s.fields...)
}

// Field looks a field up by name.
func (s *Schema) Field(name string) (*Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.fields[i], true
}

// Specs returns a copy of the declarations the schema was built from.
func (s *Schema) Specs() []FieldSpec {
	return append([]FieldSpec(nil), s.specs...)
}

// Width is the static encoded size in bytes, or encoding.Variable when any
// field is conditional or variable.
func (s *Schema) Width() int {
	nbits := 0
	for _, f := range s.fields {
		if f.Conditional() {
			return encoding.Variable
		}
		if s.bitwise {
			if be, ok := f.BitEncoder(); ok {
				nbits += be.Bits()
				continue
			}
			nbits = (nbits + 7) &^ 7
		}
		w := f.Width()
		if w == encoding.Variable {
			return encoding.Variable
		}
		nbits += 8 * w
	}
	return (nbits + 7) / 8
}

func (s *Schema) String() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name() + ":" + f.Type()
	}
	return s.name + "{" + strings.Join(parts, ", ") + "}"
}

func (s *Schema) specName(i int) string {
	if i >= 0 && i < len(s.specs) {
		return s.specs[i].Name
	}
	return fmt.Sprintf("#%d", i)
}

// Build validates fields and resolves their references.
func Build(name string, fields []FieldSpec, opts ...Option) (*Schema, error) {
	return build(name, fields, nil, opts)
}

// BuildEnvelope builds a header or footer schema around body. Paths resolve
// against the envelope's own earlier fields first, then against any body
// field, and SizeOf may name the whole body. Every field must have a static
// width, or take its size or count from an earlier envelope field.
func BuildEnvelope(name string, fields []FieldSpec, body *Schema, opts ...Option) (*Schema, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: envelope %s has no body schema", ErrInvalidSpec, name)
	}
	opts = append([]Option{WithOrder(body.order)}, opts...)
	return build(name, fields, body, opts)
}

func build(name string, specs []FieldSpec, body *Schema, opts []Option) (*Schema, error) {
	o := options{registry: defaultRegistry, order: wire.BigEndian}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = defaultRegistry
	}
	if o.order == nil {
		o.order = wire.BigEndian
	}
	s := &Schema{
		name:     name,
		index:    make(map[string]int, len(specs)),
		specs:    append([]FieldSpec(nil), specs...),
		order:    o.order,
		bitwise:  o.bitwise,
		envelope: body != nil,
		body:     body,
	}
	if name == "" {
		return nil, fmt.Errorf("%w: schema name is empty", ErrInvalidSpec)
	}

	names := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.Name == "" || strings.Contains(spec.Name, ".") {
			return nil, specErr(name, spec.Name, "field names must be non-empty and contain no dots")
		}
		if _, dup := names[spec.Name]; dup {
			return nil, specErr(name, spec.Name, "duplicate field name")
		}
		names[spec.Name] = i
	}

	for i, spec := range specs {
		f, err := s.compileField(i, spec, names, o.registry)
		if err != nil {
			return nil, err
		}
		s.fields = append(s.fields, f)
		s.index[spec.Name] = i
	}

	// Deep-assignment sources are evaluated against the complete caller
	// instance, so they may name any sibling.
	for _, f := range s.fields {
		for j, a := range f.spec.Assign {
			raw, ok := sourcePath(a.Source)
			if !ok {
				continue
			}
			p, err := compilePath(s, names, raw, f.index, -1, body)
			if err != nil {
				return nil, err
			}
			if err := checkSourcePath(s, f, a.Source, p); err != nil {
				return nil, err
			}
			f.assign[j].path = p
		}
	}

	if body != nil {
		for _, f := range s.fields {
			if err := checkEnvelopeField(s, f); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Schema) compileField(i int, spec FieldSpec, names map[string]int, reg *encoding.Registry) (*Field, error) {
	f := &Field{spec: spec, owner: s, index: i, source: spec.Source}

	layouts := 0
	if spec.Type != "" {
		layouts++
	}
	if spec.Encoder != nil {
		layouts++
	}
	if spec.Nested != nil {
		layouts++
	}
	if layouts != 1 {
		return nil, specErr(s.name, spec.Name, "exactly one of Type, Encoder or Nested must be set")
	}
	switch {
	case spec.Encoder != nil:
		f.enc = spec.Encoder
	case spec.Type != "":
		enc, err := reg.Lookup(spec.Type)
		if err != nil {
			return nil, specErr(s.name, spec.Name, "%v", err)
		}
		f.enc = enc
	case spec.Nested.envelope:
		return nil, specErr(s.name, spec.Name, "header/footer schema %s cannot be nested", spec.Nested.name)
	}

	if spec.Repeat != nil {
		if err := s.compileRepeat(f, names); err != nil {
			return nil, err
		}
	}

	if spec.SizeFrom != "" {
		k := f.Kind()
		if spec.Nested != nil || f.enc.Width() != encoding.Variable || (k != encoding.KindString && k != encoding.KindBytes) || spec.Serializer != nil {
			return nil, specErr(s.name, spec.Name, "size_from needs a variable str or bytes field")
		}
		if tag := f.enc.Tag(); tag != "str" && tag != "bytes" {
			return nil, specErr(s.name, spec.Name, "size_from is not supported for %s", tag)
		}
		p, err := compilePath(s, names, spec.SizeFrom, i, i, s.body)
		if err != nil {
			return nil, err
		}
		if err := s.checkCountPath(f, p); err != nil {
			return nil, err
		}
		f.size = p
	}

	switch src := spec.Source.(type) {
	case nil:
	case Static:
		if spec.Condition != nil {
			return nil, specErr(s.name, spec.Name, "static fields cannot be conditional")
		}
		v, err := f.Normalize(src.Value)
		if err != nil {
			return nil, specErr(s.name, spec.Name, "static value: %v", err)
		}
		f.static = v
	case Compute:
		if src.Fn == nil {
			return nil, specErr(s.name, spec.Name, "compute source has no function")
		}
	case LengthOf, SizeOf, ValueFrom:
		raw, _ := sourcePath(src)
		p, err := compilePath(s, names, raw, i, i, s.body)
		if err != nil {
			return nil, err
		}
		if err := checkSourcePath(s, f, src, p); err != nil {
			return nil, err
		}
		f.srcPath = p
	default:
		return nil, specErr(s.name, spec.Name, "unsupported source %T", src)
	}

	if len(spec.Assign) > 0 {
		if spec.Nested == nil || spec.Repeat != nil {
			return nil, specErr(s.name, spec.Name, "deep assignments need a single nested structure")
		}
		for _, a := range spec.Assign {
			target, err := compilePath(spec.Nested, spec.Nested.index, a.Target, -1, -1, nil)
			if err != nil {
				return nil, err
			}
			if target.scope != ScopeSelf {
				return nil, specErr(s.name, spec.Name, "assignment target %q is not a field", a.Target)
			}
			if target.leaf.source != nil {
				return nil, specErr(s.name, spec.Name, "assignment target %q already has a %s source", a.Target, target.leaf.source)
			}
			switch a.Source.(type) {
			case Static, Compute, LengthOf, SizeOf, ValueFrom:
			default:
				return nil, specErr(s.name, spec.Name, "assignment to %q needs a value source", a.Target)
			}
			if c, ok := a.Source.(Compute); ok && c.Fn == nil {
				return nil, specErr(s.name, spec.Name, "assignment to %q has no compute function", a.Target)
			}
			f.assign = append(f.assign, assignment{target: target, source: a.Source})
		}
	}
	return f, nil
}

func (s *Schema) compileRepeat(f *Field, names map[string]int) error {
	r := f.spec.Repeat
	strategies := 0
	if r.Count > 0 {
		strategies++
	}
	if r.CountFrom != "" {
		strategies++
	}
	if r.Prefixed {
		strategies++
	}
	if r.Terminator != nil {
		strategies++
		if len(r.Terminator) == 0 {
			return specErr(s.name, f.Name(), "terminator must not be empty")
		}
	}
	if strategies != 1 || r.Count < 0 {
		return specErr(s.name, f.Name(), "arrays need exactly one of Count, CountFrom, Prefixed or Terminator")
	}
	if r.CountFrom == "" {
		return nil
	}
	p, err := compilePath(s, names, r.CountFrom, f.index, f.index, s.body)
	if err != nil {
		return err
	}
	if err := s.checkCountPath(f, p); err != nil {
		return err
	}
	f.count = p
	return nil
}

// checkCountPath requires an integer field reachable while decoding.
func (s *Schema) checkCountPath(f *Field, p *Path) error {
	if p.scope != ScopeSelf {
		return specErr(s.name, f.Name(), "count and size must come from a field of the same structure")
	}
	if k := p.leaf.Kind(); k != encoding.KindUint && k != encoding.KindInt || p.leaf.IsArray() {
		return specErr(s.name, f.Name(), "%s is not an integer field", p)
	}
	if len(p.steps) == 1 {
		s.fields[p.steps[0]].derived = true
	}
	return nil
}

// checkSourcePath restricts whole-body tokens to SizeOf.
func checkSourcePath(s *Schema, f *Field, src Source, p *Path) error {
	if p.scope != ScopeWholeBody {
		return nil
	}
	if _, ok := src.(SizeOf); !ok {
		return specErr(s.name, f.Name(), "%q only has a size", p.raw)
	}
	return nil
}

func checkEnvelopeField(s *Schema, f *Field) error {
	if f.spec.Serializer != nil {
		return fmt.Errorf("%w: %s.%s uses a serializer", ErrUnsizedField, s.name, f.Name())
	}
	if f.size != nil {
		return nil
	}
	if r := f.spec.Repeat; r != nil && (r.Prefixed || r.Terminator != nil) {
		return fmt.Errorf("%w: %s.%s has a self-delimited count", ErrUnsizedField, s.name, f.Name())
	}
	if f.ElementWidth() == encoding.Variable {
		return fmt.Errorf("%w: %s.%s (%s)", ErrUnsizedField, s.name, f.Name(), f.Type())
	}
	return nil
}
