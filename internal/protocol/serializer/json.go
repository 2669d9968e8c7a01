package serializer

import (
	"bytes"
	"encoding/json"

	"github.com/danmuck/wirepack/internal/protocol/schema"
)

// JSON encodes the field as a JSON document. Blobs are base64 strings.
func JSON() schema.Serializer { return jsonSerializer{} }

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Marshal(_ *schema.Field, v any) ([]byte, error) {
	return json.Marshal(export(v))
}

func (jsonSerializer) Unmarshal(f *schema.Field, data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return load(f, raw)
}

// DecodeInstance builds an instance of s from a JSON object using the same
// conventions as the json serializer.
func DecodeInstance(s *schema.Schema, data []byte) (*schema.Instance, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	fixed := make(map[string]any, len(m))
	for k, v := range m {
		f, ok := s.Field(k)
		if !ok {
			fixed[k] = v
			continue
		}
		r, err := restore(f, v)
		if err != nil {
			return nil, err
		}
		fixed[k] = r
	}
	return schema.FromMap(s, fixed)
}

// EncodeInstance renders in as a JSON object.
func EncodeInstance(in *schema.Instance) ([]byte, error) {
	return json.Marshal(in.ToMap())
}
