package codec

import (
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// EncodeEnvelope writes a header or footer instance computed against message
// and its encoded body. It returns the bytes and the resolved envelope.
func EncodeEnvelope(env, message *schema.Instance, body []byte) ([]byte, *schema.Instance, error) {
	if env == nil || !env.Schema().IsEnvelope() {
		return nil, nil, fmt.Errorf("codec: %w: not a header or footer instance", schema.ErrInvalidSpec)
	}
	return encodeStruct(env, &envelopeCtx{message: message, body: body})
}

// VerifyEnvelope recomputes every sourced field of a decoded header or footer
// against the decoded message and its body bytes. The first disagreement is
// returned as a *wire.ValueMismatchError naming the field.
func VerifyEnvelope(env, message *schema.Instance, body []byte) error {
	sc := &scope{self: env, message: message, body: body, envelope: true}
	for _, f := range env.Schema().Fields() {
		switch f.Source().(type) {
		case nil, schema.Static:
			continue
		}
		got, ok := env.ValueAt(f.Index())
		if !ok {
			continue
		}
		raw, err := sc.eval(f.Source(), f.SourcePath())
		if err != nil {
			// the message came off the wire, so an unresolvable reference is bad input
			return fmt.Errorf("%w: %s.%s: %v", wire.ErrInvalidValue, env.Schema().Name(), f.Name(), err)
		}
		want, err := f.Normalize(raw)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %v", wire.ErrInvalidValue, env.Schema().Name(), f.Name(), err)
		}
		if !schema.ValuesEqual(want, got) {
			return &wire.ValueMismatchError{Field: f.Name(), Expected: want, Actual: got}
		}
	}
	return nil
}
