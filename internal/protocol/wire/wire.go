// Package wire holds the error taxonomy and byte-order primitives shared by
// every codec layer.
//
// Decode-time failures fall into two groups:
// - data errors (ErrInsufficientData, ErrStaticMismatch, ErrValueMismatch,
//   ErrInvalidValue, ErrUnknownType, ErrLimitExceeded) that the protocol
//   layer absorbs into an Outcome
// - everything else, which is a schema or caller defect and is returned as-is
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrInsufficientData = errors.New("wire: insufficient data")
	ErrStaticMismatch   = errors.New("wire: static field mismatch")
	ErrValueMismatch    = errors.New("wire: computed field mismatch")
	ErrInvalidValue     = errors.New("wire: invalid value")
	ErrUnknownType      = errors.New("wire: unknown message type")
	ErrLimitExceeded    = errors.New("wire: limit exceeded")
	ErrEncodeType       = errors.New("wire: value does not match field type")
)

// Order is the byte order a schema declares for its multi-byte scalars.
type Order interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

var (
	BigEndian    Order = binary.BigEndian
	LittleEndian Order = binary.LittleEndian
)

// IsLittle reports whether order stores the least significant byte first.
func IsLittle(order Order) bool {
	return order.Uint16([]byte{1, 0}) == 1
}

// ParseOrder accepts "big"/"little" (case-sensitive, as written in config).
func ParseOrder(raw string) (Order, error) {
	switch raw {
	case "", "big", "big_endian":
		return BigEndian, nil
	case "little", "little_endian":
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("wire: unknown byte order %q", raw)
	}
}

// AppendUint appends the low n bytes of v in the given order.
func AppendUint(dst []byte, v uint64, n int, order Order) []byte {
	if IsLittle(order) {
		for i := 0; i < n; i++ {
			dst = append(dst, byte(v>>(8*i)))
		}
		return dst
	}
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst
}

// ReadUint reads an n-byte unsigned integer from src.
func ReadUint(src []byte, n int, order Order) (uint64, error) {
	if len(src) < n {
		return 0, Short(n, len(src))
	}
	var v uint64
	if IsLittle(order) {
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(src[i])
		}
		return v, nil
	}
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(src[i])
	}
	return v, nil
}

// Short wraps ErrInsufficientData with the requested and available counts.
func Short(need, have int) error {
	return fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientData, need, have)
}

// StaticMismatchError reports a decoded static field that differs from its
// declared constant.
type StaticMismatchError struct {
	Field    string
	Expected any
	Actual   any
}

func (e *StaticMismatchError) Error() string {
	return fmt.Sprintf("wire: static field %q mismatch: expected %v, got %v", e.Field, e.Expected, e.Actual)
}

func (e *StaticMismatchError) Is(target error) bool { return target == ErrStaticMismatch }

// ValueMismatchError reports a header/footer field whose decoded value does not
// match the value recomputed from the decoded message.
type ValueMismatchError struct {
	Field    string
	Expected any
	Actual   any
}

func (e *ValueMismatchError) Error() string {
	return fmt.Sprintf("wire: field %q mismatch: expected %v, got %v", e.Field, e.Expected, e.Actual)
}

func (e *ValueMismatchError) Is(target error) bool { return target == ErrValueMismatch }

// EncodeTypeError reports a value that cannot be represented by its field type.
type EncodeTypeError struct {
	Field string
	Type  string
	Value any
	Err   error
}

func (e *EncodeTypeError) Error() string {
	msg := fmt.Sprintf("wire: field %q (%s) cannot hold %T(%v)", e.Field, e.Type, e.Value, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodeTypeError) Is(target error) bool { return target == ErrEncodeType }

func (e *EncodeTypeError) Unwrap() error { return e.Err }

// IsDataError reports whether err describes bad or short wire input rather
// than a schema or caller defect.
func IsDataError(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrStaticMismatch) ||
		errors.Is(err, ErrValueMismatch) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrLimitExceeded)
}
