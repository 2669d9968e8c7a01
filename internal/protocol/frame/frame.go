// Package frame handles the type discriminator at the front of every message:
// a big-endian u16 byte length followed by the UTF-8 type name.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

const PrefixLen = 2

var (
	ErrEmptyName    = errors.New("frame: empty type name")
	ErrNameTooLong  = errors.New("frame: type name too long")
	ErrNameEncoding = errors.New("frame: type name is not valid UTF-8")
)

// Limits constrains frame decode memory use.
type Limits struct {
	MaxTypeNameLen   int
	MaxBufferedBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxTypeNameLen:   256,
		MaxBufferedBytes: 8 * 1024 * 1024,
	}
}

// Normalize fills zero limits with defaults.
func (l Limits) Normalize() Limits {
	d := DefaultLimits()
	if l.MaxTypeNameLen <= 0 || l.MaxTypeNameLen > 0xFFFF {
		l.MaxTypeNameLen = d.MaxTypeNameLen
	}
	if l.MaxBufferedBytes <= 0 {
		l.MaxBufferedBytes = d.MaxBufferedBytes
	}
	return l
}

// AppendTypeName writes the [u16 len][name] prefix.
func AppendTypeName(dst []byte, name string, limits Limits) ([]byte, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if len(name) > limits.MaxTypeNameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(name))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(name)))
	return append(dst, name...), nil
}

// ReadTypeName parses the prefix from the front of src and reports the bytes
// it used. Short input wraps wire.ErrInsufficientData; a malformed or
// oversized name is a data error.
func ReadTypeName(src []byte, limits Limits) (string, int, error) {
	if len(src) < PrefixLen {
		return "", 0, wire.Short(PrefixLen, len(src))
	}
	n := int(binary.BigEndian.Uint16(src))
	if n == 0 {
		return "", 0, fmt.Errorf("%w: %w", wire.ErrInvalidValue, ErrEmptyName)
	}
	if n > limits.MaxTypeNameLen {
		return "", 0, fmt.Errorf("%w: %w: %d bytes", wire.ErrLimitExceeded, ErrNameTooLong, n)
	}
	if len(src) < PrefixLen+n {
		return "", 0, wire.Short(PrefixLen+n, len(src))
	}
	raw := src[PrefixLen : PrefixLen+n]
	if !utf8.Valid(raw) {
		return "", 0, fmt.Errorf("%w: %w", wire.ErrInvalidValue, ErrNameEncoding)
	}
	return string(raw), PrefixLen + n, nil
}

// PeekTypeName returns whatever part of a name is available, for diagnostics
// on input that failed before the name was complete.
func PeekTypeName(src []byte) string {
	if len(src) < PrefixLen {
		return ""
	}
	n := int(binary.BigEndian.Uint16(src))
	end := min(PrefixLen+n, len(src))
	raw := src[PrefixLen:end]
	if !utf8.Valid(raw) {
		return ""
	}
	return string(raw)
}

// WriteFrame writes one framed message built from already-encoded parts.
func WriteFrame(w io.Writer, name string, limits Limits, parts ...[]byte) error {
	buf, err := AppendTypeName(nil, name, limits)
	if err != nil {
		return err
	}
	for _, p := range parts {
		buf = append(buf, p...)
	}
	_, err = w.Write(buf)
	return err
}
