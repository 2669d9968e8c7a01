package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/wirepack/internal/protocol/codec"
	"github.com/danmuck/wirepack/internal/protocol/frame"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// Decode appends data to whatever is buffered for source and tries to decode
// one framed message.
//
// Short input is buffered and reported as Incomplete. Bad input (unknown
// type, static or computed mismatch, invalid values, exceeded limits) is
// dropped along with the buffer and reported as Invalid. Any other error is a
// schema or caller defect; it is returned and the buffer is dropped.
func (p *Protocol) Decode(data []byte, source string) (Outcome, error) {
	start := time.Now()
	buf := p.buffers.take(source, data)
	out, err := p.decodeFrame(buf)
	if err != nil {
		p.logger.Error().Err(err).Str("source", source).Int("bytes", len(buf)).Msg("decode failed")
		return Outcome{}, err
	}

	switch out.Kind {
	case Incomplete:
		if len(buf) > p.limits.MaxBufferedBytes {
			out = invalid(buf, fmt.Errorf("%w: %d bytes buffered for %q", wire.ErrLimitExceeded, len(buf), source),
				frame.PeekTypeName(buf), nil)
			break
		}
		p.buffers.put(source, buf)
		p.logger.Debug().Str("source", source).Int("buffered", len(buf)).Msg("incomplete message buffered")
	case OK:
		p.logger.Debug().Str("source", source).Str("type", out.TypeName()).Int("trailing", len(out.Trailing)).Msg("decoded message")
	}
	if out.Kind == Invalid {
		p.logger.Warn().
			Str("source", source).
			Str("type", out.Invalid.PartialType).
			Err(out.Invalid.Err).
			Int("raw_bytes", len(out.Invalid.Raw)).
			Msg("dropping invalid message")
	}
	p.observeDecode(out, len(data), start)
	return out, nil
}

func (p *Protocol) decodeFrame(buf []byte) (Outcome, error) {
	name, off, err := frame.ReadTypeName(buf, p.limits)
	if err != nil {
		return classify(err, buf, frame.PeekTypeName(buf), nil)
	}
	e, ok := p.entry(name)
	if !ok {
		return invalid(buf, fmt.Errorf("%w: %q", wire.ErrUnknownType, name), name, nil), nil
	}

	var header, footer *schema.Instance
	if e.header != nil {
		h, n, err := codec.Decode(e.header, buf[off:])
		if err != nil {
			return classify(err, buf, name, h)
		}
		header, off = h, off+n
	}

	msg, n, err := codec.Decode(e.schema, buf[off:])
	if err != nil {
		return classify(err, buf, name, msg)
	}
	body := buf[off : off+n]
	off += n

	if e.footer != nil {
		f, n, err := codec.Decode(e.footer, buf[off:])
		if err != nil {
			return classify(err, buf, name, msg)
		}
		footer, off = f, off+n
	}

	if header != nil {
		if err := codec.VerifyEnvelope(header, msg, body); err != nil {
			return classify(err, buf, name, msg)
		}
	}
	if footer != nil {
		if err := codec.VerifyEnvelope(footer, msg, body); err != nil {
			return classify(err, buf, name, msg)
		}
	}

	return Outcome{
		Kind:     OK,
		Message:  msg,
		Header:   header,
		Footer:   footer,
		Trailing: bytes.Clone(buf[off:]),
	}, nil
}

// classify turns a decode error into an Outcome, or passes it through when it
// is not about the input.
func classify(err error, raw []byte, typeName string, partial *schema.Instance) (Outcome, error) {
	switch {
	case errors.Is(err, wire.ErrInsufficientData):
		return Outcome{Kind: Incomplete}, nil
	case wire.IsDataError(err):
		return invalid(raw, err, typeName, partial), nil
	default:
		return Outcome{}, err
	}
}

func invalid(raw []byte, err error, typeName string, partial *schema.Instance) Outcome {
	m := &InvalidMessage{Raw: raw, Err: err, PartialType: typeName}
	if partial != nil {
		m.PartialFields = partial.ToMap()
	}
	return Outcome{Kind: Invalid, Invalid: m}
}
