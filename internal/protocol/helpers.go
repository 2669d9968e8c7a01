package protocol

import (
	"hash/crc32"

	"golang.org/x/crypto/sha3"

	"github.com/danmuck/wirepack/internal/protocol/schema"
)

// CRC32 is the IEEE checksum of b.
func CRC32(b []byte) uint32 { return crc32.ChecksumIEEE(b) }

// CountFields is the number of present fields in inst.
func CountFields(inst *schema.Instance) int { return inst.Count() }

// ListLength is the element count of the array field name, or 0 when it is
// absent or not an array.
func ListLength(inst *schema.Instance, name string) int {
	l, err := inst.List(name)
	if err != nil {
		return 0
	}
	return len(l)
}

// SHA3Digest is the SHA3-256 digest of b.
func SHA3Digest(b []byte) []byte {
	sum := sha3.Sum256(b)
	return sum[:]
}

// CRC32Body is a Compute source for a uint(32) checksum of the encoded body.
func CRC32Body() schema.Compute {
	return schema.Compute{Name: "crc32_body", Fn: func(c *schema.Context) (any, error) {
		return CRC32(c.Body), nil
	}}
}

// FieldCount is a Compute source holding the present field count of the
// wrapped message, or of the owning structure outside headers and footers.
func FieldCount() schema.Compute {
	return schema.Compute{Name: "field_count", Fn: func(c *schema.Context) (any, error) {
		if c.Message != nil {
			return CountFields(c.Message), nil
		}
		return CountFields(c.Instance), nil
	}}
}

// SHA3Body is a Compute source for a bytes(32) digest of the encoded body.
func SHA3Body() schema.Compute {
	return schema.Compute{Name: "sha3_body", Fn: func(c *schema.Context) (any, error) {
		return SHA3Digest(c.Body), nil
	}}
}
