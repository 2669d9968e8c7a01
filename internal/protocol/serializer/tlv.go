package serializer

import (
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/tlv"
)

// TLV encodes nested structures as a flat list of tlv fields whose ids are
// field index + 1. Ids the schema does not know are skipped on decode, so a
// reader built against an older schema still accepts newer writers.
// Scalars and arrays are written as a single field with id 0.
func TLV() schema.Serializer { return tlvSerializer{} }

type tlvSerializer struct{}

func (tlvSerializer) Name() string { return "tlv" }

func (tlvSerializer) Marshal(f *schema.Field, v any) ([]byte, error) {
	if f.Nested() != nil && !f.IsArray() {
		inst, ok := v.(*schema.Instance)
		if !ok {
			return nil, fmt.Errorf("tlv: %s: %w", f.Name(), schema.ErrFieldTypeMismatch)
		}
		return structFields(inst)
	}
	item, err := tlvItem(f, 0, v)
	if err != nil {
		return nil, err
	}
	return tlv.EncodeField(item), nil
}

func (tlvSerializer) Unmarshal(f *schema.Field, data []byte) (any, error) {
	if f.Nested() != nil && !f.IsArray() {
		return readStruct(f.Nested(), data)
	}
	items, err := tlv.DecodeFields(data)
	if err != nil {
		return nil, err
	}
	item, ok := tlv.GetField(items, 0)
	if !ok {
		return nil, fmt.Errorf("tlv: %s: no value field", f.Name())
	}
	v, err := fromItem(f, item)
	if err != nil {
		return nil, err
	}
	return f.Normalize(v)
}

func structFields(inst *schema.Instance) ([]byte, error) {
	var out []byte
	for _, nf := range inst.Schema().Fields() {
		v, ok := inst.ValueAt(nf.Index())
		if !ok {
			continue
		}
		item, err := tlvItem(nf, uint16(nf.Index()+1), v)
		if err != nil {
			return nil, err
		}
		out = tlv.AppendField(out, item)
	}
	return out, nil
}

func tlvItem(f *schema.Field, id uint16, v any) (tlv.Field, error) {
	if !f.IsArray() {
		return tlvElement(f, id, v)
	}
	items, ok := v.([]any)
	if !ok {
		return tlv.Field{}, fmt.Errorf("tlv: %s: %w", f.Name(), schema.ErrFieldTypeMismatch)
	}
	var payload []byte
	for k, item := range items {
		e, err := tlvElement(f, uint16(k), item)
		if err != nil {
			return tlv.Field{}, err
		}
		payload = tlv.AppendField(payload, e)
	}
	return tlv.Field{ID: id, Type: tlv.TypeList, Value: payload}, nil
}

func tlvElement(f *schema.Field, id uint16, v any) (tlv.Field, error) {
	switch t := v.(type) {
	case *schema.Instance:
		payload, err := structFields(t)
		if err != nil {
			return tlv.Field{}, err
		}
		return tlv.Field{ID: id, Type: tlv.TypeStruct, Value: payload}, nil
	case uint64:
		return tlv.Field{ID: id, Type: tlv.TypeU64, Value: tlv.U64(t)}, nil
	case int64:
		return tlv.Field{ID: id, Type: tlv.TypeI64, Value: tlv.I64(t)}, nil
	case float64:
		return tlv.Field{ID: id, Type: tlv.TypeF64, Value: tlv.F64(t)}, nil
	case float32:
		return tlv.Field{ID: id, Type: tlv.TypeF64, Value: tlv.F64(float64(t))}, nil
	case bool:
		return tlv.Field{ID: id, Type: tlv.TypeBool, Value: tlv.Bool(t)}, nil
	case string:
		return tlv.Field{ID: id, Type: tlv.TypeString, Value: []byte(t)}, nil
	case []byte:
		return tlv.Field{ID: id, Type: tlv.TypeBytes, Value: t}, nil
	default:
		return tlv.Field{}, fmt.Errorf("tlv: %s: cannot encode %T", f.Name(), v)
	}
}

func readStruct(s *schema.Schema, payload []byte) (*schema.Instance, error) {
	items, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	in := schema.New(s)
	for _, item := range items {
		idx := int(item.ID) - 1
		if idx < 0 || idx >= s.Len() {
			continue
		}
		nf := s.FieldAt(idx)
		if _, static := nf.StaticValue(); static {
			continue
		}
		v, err := fromItem(nf, item)
		if err != nil {
			return nil, err
		}
		n, err := nf.Normalize(v)
		if err != nil {
			return nil, err
		}
		in.SetAt(idx, n)
	}
	return in, nil
}

func fromItem(f *schema.Field, item tlv.Field) (any, error) {
	if !f.IsArray() {
		return fromElement(f, item)
	}
	if err := tlv.MustType(item, tlv.TypeList); err != nil {
		return nil, err
	}
	elems, err := tlv.DecodeFields(item.Value)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(elems))
	for k, e := range elems {
		v, err := fromElement(f, e)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func fromElement(f *schema.Field, item tlv.Field) (any, error) {
	if nested := f.Nested(); nested != nil {
		if err := tlv.MustType(item, tlv.TypeStruct); err != nil {
			return nil, err
		}
		return readStruct(nested, item.Value)
	}
	switch item.Type {
	case tlv.TypeU64:
		return tlv.U64FromBytes(item.Value)
	case tlv.TypeI64:
		return tlv.I64FromBytes(item.Value)
	case tlv.TypeF64:
		return tlv.F64FromBytes(item.Value)
	case tlv.TypeBool:
		return tlv.BoolFromBytes(item.Value)
	case tlv.TypeString:
		return string(item.Value), nil
	case tlv.TypeBytes:
		return item.Value, nil
	default:
		return nil, fmt.Errorf("tlv: field %d has unknown type %d", item.ID, item.Type)
	}
}
