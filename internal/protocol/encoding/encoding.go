// Package encoding maps field type tags to scalar encoders.
//
// A tag is either a bare name ("bool", "str") or a name with integer
// arguments ("uint(16)", "fixed(8,8)"). Registries start with the built-in
// encoders; registering a name again replaces whatever was there.
package encoding

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// Variable is the Width of encoders whose size depends on the value.
const Variable = -1

var (
	ErrUnknownTag = errors.New("encoding: unknown type tag")
	ErrBadTag     = errors.New("encoding: malformed type tag")
	ErrValueType  = errors.New("encoding: unsupported value type")
)

// Encoder converts one field value to and from its byte layout.
type Encoder interface {
	Tag() string
	// Width is the fixed encoded size in bytes, or Variable.
	Width() int
	// Normalize converts v to the canonical Go type stored in instances.
	Normalize(v any) (any, error)
	Append(dst []byte, v any, order wire.Order) ([]byte, error)
	// Decode returns the value and the number of bytes consumed.
	Decode(src []byte, order wire.Order) (any, int, error)
}

// BitEncoder is an Encoder that can also be packed at bit resolution in
// bitwise schemas.
type BitEncoder interface {
	Encoder
	Bits() int
	ToBits(v any) (uint64, error)
	FromBits(raw uint64) (any, error)
}

// Factory builds an encoder from the integer arguments of a tag.
type Factory func(args []int) (Encoder, error)

// Registry resolves tags to encoders.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in encoders.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	registerBuiltins(r)
	return r
}

// Register binds name to f, replacing any previous binding.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// RegisterEncoder binds a fixed encoder instance under name. Tags using the
// name must not carry arguments.
func (r *Registry) RegisterEncoder(name string, enc Encoder) {
	r.Register(name, func(args []int) (Encoder, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrBadTag, name)
		}
		return enc, nil
	})
}

// Lookup parses tag and builds its encoder.
func (r *Registry) Lookup(tag string) (Encoder, error) {
	name, args, err := ParseTag(tag)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	enc, err := f(args)
	if err != nil {
		return nil, fmt.Errorf("encoding: %s: %w", tag, err)
	}
	return enc, nil
}

// Names lists registered tag names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseTag splits "name(a,b)" into its name and integer arguments.
func ParseTag(tag string) (string, []int, error) {
	tag = strings.TrimSpace(tag)
	open := strings.IndexByte(tag, '(')
	if open < 0 {
		if !validName(tag) {
			return "", nil, fmt.Errorf("%w: %q", ErrBadTag, tag)
		}
		return tag, nil, nil
	}
	if !strings.HasSuffix(tag, ")") {
		return "", nil, fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	name := strings.TrimSpace(tag[:open])
	if !validName(name) {
		return "", nil, fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	inner := strings.TrimSpace(tag[open+1 : len(tag)-1])
	if inner == "" {
		return "", nil, fmt.Errorf("%w: %q has empty arguments", ErrBadTag, tag)
	}
	parts := strings.Split(inner, ",")
	args := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return "", nil, fmt.Errorf("%w: %q: %v", ErrBadTag, tag, err)
		}
		args = append(args, n)
	}
	return name, args, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

func registerBuiltins(r *Registry) {
	r.factories["uint"] = func(args []int) (Encoder, error) {
		n, err := intWidth(args)
		if err != nil {
			return nil, err
		}
		return Uint(n), nil
	}
	r.factories["int"] = func(args []int) (Encoder, error) {
		n, err := intWidth(args)
		if err != nil {
			return nil, err
		}
		return Int(n), nil
	}
	r.factories["float"] = noArgs(Float32())
	r.factories["double"] = noArgs(Float64())
	r.factories["bool"] = noArgs(Bool())
	r.factories["str"] = func(args []int) (Encoder, error) {
		n, err := optionalSize(args)
		if err != nil {
			return nil, err
		}
		return String(n), nil
	}
	r.factories["bytes"] = func(args []int) (Encoder, error) {
		n, err := optionalSize(args)
		if err != nil {
			return nil, err
		}
		return Bytes(n), nil
	}
	r.factories["bits"] = func(args []int) (Encoder, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: bits takes one width", ErrBadTag)
		}
		return Bitfield(args[0], false)
	}
	r.factories["sbits"] = func(args []int) (Encoder, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: sbits takes one width", ErrBadTag)
		}
		return Bitfield(args[0], true)
	}
	r.factories["fixed"] = func(args []int) (Encoder, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: fixed takes integer and fraction bits", ErrBadTag)
		}
		return FixedPoint(args[0], args[1], true)
	}
	r.factories["ufixed"] = func(args []int) (Encoder, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: ufixed takes integer and fraction bits", ErrBadTag)
		}
		return FixedPoint(args[0], args[1], false)
	}
	r.factories["rle"] = noArgs(RunLength())
	r.factories["ascii7"] = noArgs(ASCII7())
}

func noArgs(enc Encoder) Factory {
	return func(args []int) (Encoder, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrBadTag, enc.Tag())
		}
		return enc, nil
	}
}

// intWidth accepts no argument (64 bits) or one of 8/16/32/64.
func intWidth(args []int) (int, error) {
	switch len(args) {
	case 0:
		return 64, nil
	case 1:
		switch args[0] {
		case 8, 16, 32, 64:
			return args[0], nil
		}
		return 0, fmt.Errorf("%w: integer width %d not in {8,16,32,64}", ErrBadTag, args[0])
	default:
		return 0, fmt.Errorf("%w: integer takes one width", ErrBadTag)
	}
}

func optionalSize(args []int) (int, error) {
	switch len(args) {
	case 0:
		return 0, nil
	case 1:
		if args[0] <= 0 {
			return 0, fmt.Errorf("%w: size must be positive", ErrBadTag)
		}
		return args[0], nil
	default:
		return 0, fmt.Errorf("%w: expected at most one size", ErrBadTag)
	}
}

// Kind classifies the canonical Go type an encoder normalizes to.
type Kind int

const (
	KindOther Kind = iota
	KindUint
	KindInt
	KindFloat
	KindBool
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return "other"
	}
}

type kinded interface{ Kind() Kind }

// KindOf reports the value kind of enc, or KindOther for custom encoders.
func KindOf(enc Encoder) Kind {
	if k, ok := enc.(kinded); ok {
		return k.Kind()
	}
	return KindOther
}
