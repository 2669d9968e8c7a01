package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/protocol/frame"
	"github.com/danmuck/wirepack/internal/protocol/schema"
)

// Protocol is a registry of message schemas plus the header and footer field
// lists applied to every registered type. It is safe for concurrent use;
// decode calls for one source id must still arrive in order.
type Protocol struct {
	mu      sync.RWMutex
	types   map[string]*entry
	headers []schema.FieldSpec
	footers []schema.FieldSpec

	buffers *buffers
	limits  frame.Limits
	logger  zerolog.Logger
	sink    metrics.MetricSink
	labels  []metrics.Label
}

// entry is one registered type with its envelopes built against it.
type entry struct {
	schema *schema.Schema
	header *schema.Schema
	footer *schema.Schema
}

type Option func(*Protocol)

// WithLogger sets the logger used for registry changes and decode outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithLimits bounds type name length and bytes buffered per source.
func WithLimits(l frame.Limits) Option {
	return func(p *Protocol) { p.limits = l.Normalize() }
}

// WithMetricSink emits encode/decode counters to ms.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(p *Protocol) {
		if ms != nil {
			p.sink = ms
		}
	}
}

// WithMetricLabels adds labels to every emitted metric.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(p *Protocol) { p.labels = append([]metrics.Label(nil), labels...) }
}

func New(opts ...Option) *Protocol {
	p := &Protocol{
		types:   make(map[string]*entry),
		buffers: newBuffers(),
		limits:  frame.DefaultLimits(),
		logger:  zerolog.Nop(),
		sink:    &metrics.BlackholeSink{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds s under its name and builds the current headers and footers
// against it.
func (p *Protocol) Register(s *schema.Schema) error {
	if s == nil {
		return ErrNilSchema
	}
	if len(s.Name()) > p.limits.MaxTypeNameLen {
		return fmt.Errorf("%w: %q", frame.ErrNameTooLong, s.Name())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.types[s.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, s.Name())
	}
	e, err := bind(s, p.headers, p.footers)
	if err != nil {
		return err
	}
	p.types[s.Name()] = e
	p.logger.Debug().Str("type", s.Name()).Int("fields", s.Len()).Msg("registered message type")
	return nil
}

// MustRegister is Register for package-level setup; it panics on error.
func (p *Protocol) MustRegister(schemas ...*schema.Schema) {
	for _, s := range schemas {
		if err := p.Register(s); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the schema registered under name.
func (p *Protocol) Lookup(name string) (*schema.Schema, bool) {
	e, ok := p.entry(name)
	if !ok {
		return nil, false
	}
	return e.schema, true
}

// Envelopes returns the header and footer schemas bound to name; either may be
// nil.
func (p *Protocol) Envelopes(name string) (header, footer *schema.Schema, ok bool) {
	e, ok := p.entry(name)
	if !ok {
		return nil, nil, false
	}
	return e.header, e.footer, true
}

// Types lists registered type names, sorted.
func (p *Protocol) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.types))
	for name := range p.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetHeaders replaces the header fields of every registered type. On error
// nothing changes.
func (p *Protocol) SetHeaders(fields []schema.FieldSpec) error {
	return p.rebind(fields, true)
}

// SetFooters replaces the footer fields of every registered type. On error
// nothing changes.
func (p *Protocol) SetFooters(fields []schema.FieldSpec) error {
	return p.rebind(fields, false)
}

func (p *Protocol) ClearHeaders() { _ = p.rebind(nil, true) }
func (p *Protocol) ClearFooters() { _ = p.rebind(nil, false) }

func (p *Protocol) rebind(fields []schema.FieldSpec, header bool) error {
	fields = append([]schema.FieldSpec(nil), fields...)
	p.mu.Lock()
	defer p.mu.Unlock()
	headers, footers := p.headers, p.footers
	if header {
		headers = fields
	} else {
		footers = fields
	}
	next := make(map[string]*entry, len(p.types))
	for name, e := range p.types {
		ne, err := bind(e.schema, headers, footers)
		if err != nil {
			return err
		}
		next[name] = ne
	}
	p.types, p.headers, p.footers = next, headers, footers
	kind := "footers"
	if header {
		kind = "headers"
	}
	p.logger.Debug().Str("envelope", kind).Int("fields", len(fields)).Int("types", len(next)).Msg("rebound envelopes")
	return nil
}

func bind(s *schema.Schema, headers, footers []schema.FieldSpec) (*entry, error) {
	e := &entry{schema: s}
	var err error
	if len(headers) > 0 {
		if e.header, err = schema.BuildEnvelope("header", headers, s); err != nil {
			return nil, fmt.Errorf("protocol: headers for %s: %w", s.Name(), err)
		}
	}
	if len(footers) > 0 {
		if e.footer, err = schema.BuildEnvelope("footer", footers, s); err != nil {
			return nil, fmt.Errorf("protocol: footers for %s: %w", s.Name(), err)
		}
	}
	return e, nil
}

func (p *Protocol) entry(name string) (*entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.types[name]
	return e, ok
}

// Limits reports the effective frame limits.
func (p *Protocol) Limits() frame.Limits { return p.limits }

// ClearIncompleteBuffer drops bytes buffered for source and reports whether
// there were any.
func (p *Protocol) ClearIncompleteBuffer(source string) bool { return p.buffers.clear(source) }

// ClearAllIncompleteBuffers drops every buffered byte and returns how many
// sources held some.
func (p *Protocol) ClearAllIncompleteBuffers() int { return p.buffers.clearAll() }

// IncompleteBufferSize reports bytes buffered for source.
func (p *Protocol) IncompleteBufferSize(source string) int { return p.buffers.size(source) }

// BufferedSources reports how many sources currently hold buffered bytes.
func (p *Protocol) BufferedSources() int {
	n, _ := p.buffers.totals()
	return n
}
