package config

import (
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hashicorp/go-metrics"

	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/encoding"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/serializer"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// Computes are the compute functions a config file can name.
var Computes = map[string]func() schema.Compute{
	"crc32_body":  protocol.CRC32Body,
	"field_count": protocol.FieldCount,
	"sha3_body":   protocol.SHA3Body,
}

// Build turns the declared enums, schemas, headers and footers into a
// protocol. opts are applied after the config's own limits and labels.
func Build(cfg Config, opts ...protocol.Option) (*protocol.Protocol, error) {
	reg := encoding.NewRegistry()
	for _, e := range cfg.Enums {
		enum, err := encoding.NewEnum(e.Size, e.Values)
		if err != nil {
			return nil, fmt.Errorf("enum %s: %w", e.Name, err)
		}
		reg.RegisterEncoder(e.Name, enum)
	}

	base := []protocol.Option{protocol.WithLimits(cfg.Limits)}
	if len(cfg.Metrics.Labels) > 0 {
		base = append(base, protocol.WithMetricLabels(metricLabels(cfg.Metrics.Labels)))
	}
	p := protocol.New(append(base, opts...)...)

	built := make(map[string]*schema.Schema, len(cfg.Schemas))
	for _, def := range cfg.Schemas {
		s, err := buildSchema(def, built, reg)
		if err != nil {
			return nil, err
		}
		built[def.Name] = s
		if def.Partial {
			continue
		}
		if err := p.Register(s); err != nil {
			return nil, err
		}
	}

	if len(cfg.Headers) > 0 {
		specs, err := fieldSpecs("header", cfg.Headers, built)
		if err != nil {
			return nil, err
		}
		if err := p.SetHeaders(specs); err != nil {
			return nil, err
		}
	}
	if len(cfg.Footers) > 0 {
		specs, err := fieldSpecs("footer", cfg.Footers, built)
		if err != nil {
			return nil, err
		}
		if err := p.SetFooters(specs); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func buildSchema(def SchemaDef, built map[string]*schema.Schema, reg *encoding.Registry) (*schema.Schema, error) {
	order, err := wire.ParseOrder(def.Order)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", def.Name, err)
	}
	specs, err := fieldSpecs(def.Name, def.Fields, built)
	if err != nil {
		return nil, err
	}
	opts := []schema.Option{schema.WithRegistry(reg), schema.WithOrder(order)}
	if def.Bitwise {
		opts = append(opts, schema.Bitwise())
	}
	return schema.Build(def.Name, specs, opts...)
}

func fieldSpecs(owner string, defs []FieldDef, built map[string]*schema.Schema) ([]schema.FieldSpec, error) {
	specs := make([]schema.FieldSpec, 0, len(defs))
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if w := strings.TrimSpace(d.When); w != "" && !seen[w] {
			return nil, fmt.Errorf("%s.%s: when %q must name an earlier field", owner, d.Name, w)
		}
		spec, err := fieldSpec(d, built)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", owner, d.Name, err)
		}
		specs = append(specs, spec)
		seen[spec.Name] = true
	}
	return specs, nil
}

func fieldSpec(d FieldDef, built map[string]*schema.Schema) (schema.FieldSpec, error) {
	spec := schema.FieldSpec{
		Name:     strings.TrimSpace(d.Name),
		Type:     strings.TrimSpace(d.Type),
		SizeFrom: strings.TrimSpace(d.SizeFrom),
	}
	if d.Nested != "" {
		nested, ok := built[d.Nested]
		if !ok {
			return spec, fmt.Errorf("nested schema %q must be declared earlier", d.Nested)
		}
		spec.Nested = nested
	}

	src, err := source(d.Static, d.StaticHex, d.LengthOf, d.SizeOf, d.ValueFrom, d.Compute)
	if err != nil {
		return spec, err
	}
	spec.Source = src

	if spec.Repeat, err = repeat(d); err != nil {
		return spec, err
	}

	if d.Serializer != "" {
		ser, err := serializer.Lookup(d.Serializer)
		if err != nil {
			return spec, err
		}
		spec.Serializer = ser
	}

	if d.When != "" {
		spec.Condition = equalsCondition(strings.TrimSpace(d.When), d.Equals)
	}

	for _, a := range d.Assign {
		src, err := source(a.Static, "", a.LengthOf, a.SizeOf, a.ValueFrom, a.Compute)
		if err != nil {
			return spec, fmt.Errorf("assign %s: %w", a.Target, err)
		}
		if src == nil {
			return spec, fmt.Errorf("assign %s: no source", a.Target)
		}
		spec.Assign = append(spec.Assign, schema.Assignment{Target: a.Target, Source: src})
	}
	return spec, nil
}

func source(static any, staticHex, lengthOf, sizeOf, valueFrom, compute string) (schema.Source, error) {
	var out []schema.Source
	if static != nil {
		out = append(out, schema.Static{Value: static})
	}
	if staticHex != "" {
		b, err := hex.DecodeString(staticHex)
		if err != nil {
			return nil, fmt.Errorf("static_hex: %w", err)
		}
		out = append(out, schema.Static{Value: b})
	}
	if lengthOf != "" {
		out = append(out, schema.LengthOf{Path: lengthOf})
	}
	if sizeOf != "" {
		out = append(out, schema.SizeOf{Path: sizeOf})
	}
	if valueFrom != "" {
		out = append(out, schema.ValueFrom{Path: valueFrom})
	}
	if compute != "" {
		mk, ok := Computes[compute]
		if !ok {
			return nil, fmt.Errorf("unknown compute %q", compute)
		}
		out = append(out, mk())
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return nil, fmt.Errorf("%d value sources set, want at most one", len(out))
	}
}

func repeat(d FieldDef) (*schema.Repeat, error) {
	rep := &schema.Repeat{
		Count:     d.Count,
		CountFrom: strings.TrimSpace(d.CountFrom),
		Prefixed:  d.CountPrefixed,
	}
	if d.Terminator != "" {
		term, err := hex.DecodeString(d.Terminator)
		if err != nil {
			return nil, fmt.Errorf("terminator: %w", err)
		}
		rep.Terminator = term
	}
	if rep.Count == 0 && rep.CountFrom == "" && !rep.Prefixed && rep.Terminator == nil {
		return nil, nil
	}
	return rep, nil
}

// equalsCondition keeps a field when the earlier field name holds want.
func equalsCondition(name string, want any) func(*schema.Instance) bool {
	return func(in *schema.Instance) bool {
		got, ok := in.Get(name)
		if !ok {
			return false
		}
		if f, ok := in.Schema().Field(name); ok {
			if n, err := f.Normalize(want); err == nil {
				return schema.ValuesEqual(got, n)
			}
		}
		return schema.ValuesEqual(got, want)
	}
}

func metricLabels(m map[string]string) []metrics.Label {
	out := make([]metrics.Label, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, metrics.Label{Name: k, Value: m[k]})
	}
	return out
}
