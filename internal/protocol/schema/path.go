package schema

import "strings"

// Scope says which structure a resolved path starts from.
type Scope int

const (
	// ScopeSelf starts at the instance owning the referencing field.
	ScopeSelf Scope = iota
	// ScopeBody starts at the message wrapped by a header or footer.
	ScopeBody
	// ScopeWholeBody names the encoded body itself ("body", "message",
	// "payload"); it only has a size.
	ScopeWholeBody
)

var reservedBody = map[string]struct{}{
	"body":    {},
	"message": {},
	"payload": {},
}

// IsBodyToken reports whether name is one of the reserved whole-body tokens.
func IsBodyToken(name string) bool {
	_, ok := reservedBody[name]
	return ok
}

// Path is a dotted reference resolved to one field index per nesting level.
type Path struct {
	raw   string
	scope Scope
	steps []int
	leaf  *Field
}

func (p *Path) String() string { return p.raw }
func (p *Path) Scope() Scope   { return p.scope }

// Steps returns the field index taken at each level.
func (p *Path) Steps() []int { return append([]int(nil), p.steps...) }

// Leaf is the referenced field; nil for ScopeWholeBody.
func (p *Path) Leaf() *Field { return p.leaf }

// Head is the index of the first segment within its scope.
func (p *Path) Head() int {
	if len(p.steps) == 0 {
		return -1
	}
	return p.steps[0]
}

// Resolve walks the path from root, which must be the instance the path's
// scope starts at.
func (p *Path) Resolve(root *Instance) (any, error) {
	if p.scope == ScopeWholeBody {
		return nil, &PathError{Path: p.raw, Reason: "whole-body token has no value"}
	}
	cur := root
	segs := strings.Split(p.raw, ".")
	for i, idx := range p.steps {
		if cur == nil {
			return nil, &PathError{Path: p.raw, Segment: segs[i], Reason: "absent"}
		}
		v, ok := cur.ValueAt(idx)
		if !ok {
			return nil, &PathError{Path: p.raw, Segment: segs[i], Reason: "absent"}
		}
		if i == len(p.steps)-1 {
			return v, nil
		}
		next, ok := v.(*Instance)
		if !ok {
			return nil, &PathError{Path: p.raw, Segment: segs[i], Reason: "not a nested structure"}
		}
		cur = next
	}
	return nil, &PathError{Path: p.raw, Reason: "empty path"}
}

// Set walks all but the last step from root and sets the leaf, cloning nothing.
// Intermediate structures must already be present.
func (p *Path) Set(root *Instance, v any) error {
	cur := root
	segs := strings.Split(p.raw, ".")
	for i, idx := range p.steps[:len(p.steps)-1] {
		nv, ok := cur.ValueAt(idx)
		if !ok {
			return &PathError{Path: p.raw, Segment: segs[i], Reason: "absent"}
		}
		next, ok := nv.(*Instance)
		if !ok {
			return &PathError{Path: p.raw, Segment: segs[i], Reason: "not a nested structure"}
		}
		cur = next
	}
	n, err := p.leaf.Normalize(v)
	if err != nil {
		return err
	}
	cur.SetAt(p.steps[len(p.steps)-1], n)
	return nil
}

// compilePath resolves raw against fields of s, walking into nested schemas.
// limit is the exclusive upper bound on the first segment's index; pass -1 to
// allow any index. body, when set, is the fallback scope for envelopes.
func compilePath(s *Schema, names map[string]int, raw string, self int, limit int, body *Schema) (*Path, error) {
	if raw == "" {
		return nil, &PathError{Path: raw, Reason: "empty path"}
	}
	segs := strings.Split(raw, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, &PathError{Path: raw, Reason: "empty segment"}
		}
	}

	head := segs[0]
	// In envelopes a bare token always names the whole body, never a field.
	if body != nil && len(segs) == 1 && IsBodyToken(head) {
		return &Path{raw: raw, scope: ScopeWholeBody}, nil
	}
	if idx, ok := names[head]; ok {
		if limit >= 0 && idx >= limit {
			return nil, &ReferenceOrderError{
				Schema:      s.name,
				Field:       s.specName(self),
				FieldIndex:  self,
				Path:        raw,
				TargetIndex: idx,
			}
		}
		return walkPath(raw, segs, ScopeSelf, s.fields[idx], idx)
	}
	if body != nil {
		if idx, ok := body.index[head]; ok {
			return walkPath(raw, segs, ScopeBody, body.fields[idx], idx)
		}
	}
	if len(segs) == 1 && IsBodyToken(head) {
		return &Path{raw: raw, scope: ScopeWholeBody}, nil
	}
	return nil, &PathError{Path: raw, Segment: head, Reason: "unknown field"}
}

func walkPath(raw string, segs []string, scope Scope, f *Field, idx int) (*Path, error) {
	p := &Path{raw: raw, scope: scope, steps: []int{idx}}
	for _, seg := range segs[1:] {
		nested := f.spec.Nested
		if nested == nil || f.spec.Repeat != nil {
			return nil, &PathError{Path: raw, Segment: f.Name(), Reason: "not a nested structure"}
		}
		j, ok := nested.index[seg]
		if !ok {
			return nil, &PathError{Path: raw, Segment: seg, Reason: "unknown field"}
		}
		p.steps = append(p.steps, j)
		f = nested.fields[j]
	}
	p.leaf = f
	return p, nil
}
