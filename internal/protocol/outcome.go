package protocol

import (
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/schema"
)

// Kind says which of the three decode results an Outcome holds.
type Kind int

const (
	// Incomplete means more bytes are needed; the input is buffered.
	Incomplete Kind = iota
	// OK carries a decoded message.
	OK
	// Invalid carries an InvalidMessage; the source's buffer was dropped.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Incomplete:
		return "incomplete"
	case OK:
		return "ok"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of feeding bytes to Decode.
type Outcome struct {
	Kind Kind

	Message *schema.Instance
	Header  *schema.Instance
	Footer  *schema.Instance
	// Trailing holds bytes after the decoded frame. They are not buffered;
	// feed them to Decode again to continue the stream.
	Trailing []byte

	Invalid *InvalidMessage
}

// TypeName is the decoded message type, or the partial type of an invalid one.
func (o Outcome) TypeName() string {
	switch {
	case o.Message != nil:
		return o.Message.Schema().Name()
	case o.Invalid != nil:
		return o.Invalid.PartialType
	default:
		return ""
	}
}

// InvalidMessage describes input that could not be decoded and was dropped.
type InvalidMessage struct {
	Raw []byte
	Err error
	// PartialType is the type name, or as much of it as was read.
	PartialType string
	// PartialFields holds the fields decoded before the failure.
	PartialFields map[string]any
}

func (m *InvalidMessage) String() string {
	return fmt.Sprintf("InvalidMessage(type=%s, error=%v, raw_bytes=%d)", m.PartialType, m.Err, len(m.Raw))
}

func (m *InvalidMessage) Unwrap() error { return m.Err }

func (m *InvalidMessage) Error() string { return m.String() }
