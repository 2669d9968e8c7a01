// Package serializer provides the field serializers selectable by name in
// schema config: binary, json, cbor, proto and tlv.
//
// Every serializer round-trips through plain Go values (maps, slices,
// numbers, strings, byte slices) and hands the result back to the field's
// Normalize, so decoded values have the same types as values set by callers.
package serializer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/wirepack/internal/protocol/codec"
	"github.com/danmuck/wirepack/internal/protocol/encoding"
	"github.com/danmuck/wirepack/internal/protocol/schema"
)

var ErrUnknown = errors.New("serializer: unknown name")

var builtin = map[string]func() schema.Serializer{
	"binary": codec.Binary,
	"json":   JSON,
	"cbor":   CBOR,
	"proto":  Proto,
	"tlv":    TLV,
}

// Lookup returns the serializer registered under name.
func Lookup(name string) (schema.Serializer, error) {
	mk, ok := builtin[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return mk(), nil
}

// Names lists the registered serializer names, sorted.
func Names() []string {
	out := make([]string, 0, len(builtin))
	for name := range builtin {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// export converts a field value to plain Go values.
func export(v any) any {
	switch t := v.(type) {
	case *schema.Instance:
		return t.ToMap()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = export(item)
		}
		return out
	default:
		return v
	}
}

// load normalizes a plain value produced by a text format back into f's
// canonical representation. Blobs arrive base64 encoded.
func load(f *schema.Field, raw any) (any, error) {
	fixed, err := restore(f, raw)
	if err != nil {
		return nil, err
	}
	return f.Normalize(fixed)
}

func restore(f *schema.Field, raw any) (any, error) {
	if !f.IsArray() {
		return restoreElement(f, raw)
	}
	items, ok := raw.([]any)
	if !ok {
		return raw, nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		v, err := restoreElement(f, item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func restoreElement(f *schema.Field, raw any) (any, error) {
	if nested := f.Nested(); nested != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return raw, nil
		}
		out := make(map[string]any, len(m))
		for k, v := range m {
			nf, ok := nested.Field(k)
			if !ok {
				// FromMap reports the unknown key
				out[k] = v
				continue
			}
			r, err := restore(nf, v)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	if f.Kind() == encoding.KindBytes {
		if s, ok := raw.(string); ok {
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("serializer: %s: %w", f.Name(), err)
			}
			return b, nil
		}
	}
	return raw, nil
}
