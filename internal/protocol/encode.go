package protocol

import (
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/codec"
	"github.com/danmuck/wirepack/internal/protocol/frame"
	"github.com/danmuck/wirepack/internal/protocol/schema"
)

type encodeConfig struct {
	header map[string]any
	footer map[string]any
}

type EncodeOption func(*encodeConfig)

// HeaderValues supplies header fields that have no value source.
func HeaderValues(m map[string]any) EncodeOption {
	return func(c *encodeConfig) { c.header = m }
}

// FooterValues supplies footer fields that have no value source.
func FooterValues(m map[string]any) EncodeOption {
	return func(c *encodeConfig) { c.footer = m }
}

// Encode frames inst as [u16 len][type name][header][body][footer]. The
// instance's schema must be the one registered under its name.
func (p *Protocol) Encode(inst *schema.Instance, opts ...EncodeOption) ([]byte, error) {
	name := ""
	if inst != nil {
		name = inst.Schema().Name()
	}
	out, err := p.encode(inst, opts)
	p.observeEncode(name, len(out), err)
	if err != nil {
		p.logger.Debug().Err(err).Str("type", name).Msg("encode failed")
	}
	return out, err
}

func (p *Protocol) encode(inst *schema.Instance, opts []EncodeOption) ([]byte, error) {
	if inst == nil {
		return nil, fmt.Errorf("%w: nil instance", ErrUnregisteredType)
	}
	name := inst.Schema().Name()
	e, ok := p.entry(name)
	if !ok || e.schema != inst.Schema() {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredType, name)
	}
	var cfg encodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := codec.Check(inst); err != nil {
		return nil, err
	}
	body, msg, err := codec.EncodeResolved(inst)
	if err != nil {
		return nil, err
	}

	out, err := frame.AppendTypeName(make([]byte, 0, frame.PrefixLen+len(name)+len(body)), name, p.limits)
	if err != nil {
		return nil, err
	}
	if e.header != nil {
		hb, err := encodeEnvelope(e.header, cfg.header, msg, body)
		if err != nil {
			return nil, err
		}
		out = append(out, hb...)
	}
	out = append(out, body...)
	if e.footer != nil {
		fb, err := encodeEnvelope(e.footer, cfg.footer, msg, body)
		if err != nil {
			return nil, err
		}
		out = append(out, fb...)
	}
	return out, nil
}

func encodeEnvelope(s *schema.Schema, values map[string]any, msg *schema.Instance, body []byte) ([]byte, error) {
	env, err := schema.FromMap(s, values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEnvelopeValues, s.Name(), err)
	}
	b, _, err := codec.EncodeEnvelope(env, msg, body)
	return b, err
}
