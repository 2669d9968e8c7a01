package serializer

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danmuck/wirepack/internal/protocol/schema"
)

// Proto encodes the field as a google.protobuf.Value. Numbers travel as
// doubles, so integers above 2^53 lose precision.
func Proto() schema.Serializer { return protoSerializer{} }

type protoSerializer struct{}

func (protoSerializer) Name() string { return "proto" }

func (protoSerializer) Marshal(_ *schema.Field, v any) ([]byte, error) {
	pv, err := structpb.NewValue(export(v))
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(pv)
}

func (protoSerializer) Unmarshal(f *schema.Field, data []byte) (any, error) {
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return nil, err
	}
	return load(f, pv.AsInterface())
}
