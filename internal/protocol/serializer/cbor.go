package serializer

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/danmuck/wirepack/internal/protocol/schema"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBOR encodes the field as canonical CBOR, so equal values give equal bytes.
func CBOR() schema.Serializer { return cborSerializer{} }

type cborSerializer struct{}

func (cborSerializer) Name() string { return "cbor" }

func (cborSerializer) Marshal(_ *schema.Field, v any) ([]byte, error) {
	return cborEnc.Marshal(export(v))
}

func (cborSerializer) Unmarshal(f *schema.Field, data []byte) (any, error) {
	var raw any
	if err := cborDec.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return load(f, raw)
}
