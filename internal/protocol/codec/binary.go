package codec

import (
	"fmt"

	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
)

// Binary returns a serializer that writes a field with its own binary layout.
// Wrapping a nested structure this way gives it a length prefix, so a decoder
// can skip it without knowing its schema.
func Binary() schema.Serializer { return binarySerializer{} }

type binarySerializer struct{}

func (binarySerializer) Name() string { return "binary" }

func (binarySerializer) Marshal(f *schema.Field, v any) ([]byte, error) {
	b, _, err := fieldBytes(f, v)
	return b, err
}

func (binarySerializer) Unmarshal(f *schema.Field, data []byte) (any, error) {
	if f.SizePath() != nil || f.CountPath() != nil {
		return nil, fmt.Errorf("codec: binary serializer cannot decode %s: it refers to sibling fields", f.Name())
	}
	v, n, err := readLayout(f, data, nil)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", wire.ErrInvalidValue, len(data)-n)
	}
	return v, nil
}
