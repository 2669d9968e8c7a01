package schema

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpec       = errors.New("schema: invalid field spec")
	ErrUnsizedField      = errors.New("schema: field has no static width")
	ErrUnknownField      = errors.New("schema: unknown field")
	ErrFieldAbsent       = errors.New("schema: field absent")
	ErrFieldTypeMismatch = errors.New("schema: field type mismatch")
)

func specErr(schemaName, field, format string, args ...any) error {
	return fmt.Errorf("%w: %s.%s: %s", ErrInvalidSpec, schemaName, field, fmt.Sprintf(format, args...))
}

// PathError reports a dotted path that cannot be walked.
type PathError struct {
	Path    string
	Segment string
	Reason  string
}

func (e *PathError) Error() string {
	if e.Segment == "" || e.Segment == e.Path {
		return fmt.Sprintf("schema: path %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("schema: path %q at %q: %s", e.Path, e.Segment, e.Reason)
}

// ReferenceOrderError reports a field whose value, count or size source
// names a field that is not strictly earlier in the same schema.
type ReferenceOrderError struct {
	Schema      string
	Field       string
	FieldIndex  int
	Path        string
	TargetIndex int
}

func (e *ReferenceOrderError) Error() string {
	return fmt.Sprintf("schema: %s.%s (index %d) references %q at index %d; references must point to earlier fields",
		e.Schema, e.Field, e.FieldIndex, e.Path, e.TargetIndex)
}
