// Package codec turns schema instances into bytes and back.
//
// Encoding never modifies the caller's instance: values produced by sources,
// deep assignments and derived counts are resolved on a copy, which
// Materialize returns. Decoding reports short input as
// wire.ErrInsufficientData so stream callers can wait for more bytes.
package codec

import (
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/schema"
)

const (
	// MaxArrayItems bounds the element count accepted for any one array.
	MaxArrayItems = 1 << 20
	// MaxSerializedLen bounds one override-serialized field.
	MaxSerializedLen = 64 << 20
)

// MissingFieldError reports a required field with no value.
type MissingFieldError struct {
	Schema string
	Field  string
}

func (e MissingFieldError) Error() string {
	return fmt.Sprintf("codec: %s.%s is required but absent", e.Schema, e.Field)
}

// Encode serializes inst with its schema's layout.
func Encode(inst *schema.Instance) ([]byte, error) {
	out, _, err := encodeStruct(inst, nil)
	return out, err
}

// EncodeResolved is Encode that also returns the resolved copy.
func EncodeResolved(inst *schema.Instance) ([]byte, *schema.Instance, error) {
	return encodeStruct(inst, nil)
}

// Materialize returns a copy of inst with every source, assignment and
// derived field resolved, exactly as Encode would write it.
func Materialize(inst *schema.Instance) (*schema.Instance, error) {
	_, res, err := encodeStruct(inst, nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Decode reads one instance of s from the front of data and reports the bytes
// consumed. On error the instance holds the fields decoded before the failure.
func Decode(s *schema.Schema, data []byte) (*schema.Instance, int, error) {
	return decodeStruct(s, data)
}

// Validate reports whether every required field of inst is present.
func Validate(inst *schema.Instance) bool {
	return Check(inst) == nil
}

// Check returns a MissingFieldError for the first required field that is
// absent, walking into nested values. Fields filled by a parent's deep
// assignment are not required of the nested value.
func Check(inst *schema.Instance) error {
	return check(inst, nil)
}

func check(in *schema.Instance, exempt [][]int) error {
	s := in.Schema()
	for _, f := range s.Fields() {
		i := f.Index()
		v, ok := in.ValueAt(i)
		if !ok {
			if f.Required() && !exemptHere(exempt, i) {
				return MissingFieldError{Schema: s.Name(), Field: f.Name()}
			}
			continue
		}
		if f.Nested() == nil {
			continue
		}
		sub := childExempt(exempt, i)
		for k := 0; k < len(f.Assignments()); k++ {
			target, _, _ := f.AssignmentAt(k)
			sub = append(sub, target.Steps())
		}
		for _, n := range nestedValues(v) {
			if err := check(n, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func exemptHere(exempt [][]int, i int) bool {
	for _, p := range exempt {
		if len(p) == 1 && p[0] == i {
			return true
		}
	}
	return false
}

func childExempt(exempt [][]int, i int) [][]int {
	var out [][]int
	for _, p := range exempt {
		if len(p) > 1 && p[0] == i {
			out = append(out, p[1:])
		}
	}
	return out
}

func nestedValues(v any) []*schema.Instance {
	switch t := v.(type) {
	case *schema.Instance:
		return []*schema.Instance{t}
	case []any:
		out := make([]*schema.Instance, 0, len(t))
		for _, item := range t {
			if n, ok := item.(*schema.Instance); ok {
				out = append(out, n)
			}
		}
		return out
	default:
		return nil
	}
}
