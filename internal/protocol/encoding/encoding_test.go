package encoding

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/danmuck/wirepack/internal/protocol/wire"
	"github.com/danmuck/wirepack/internal/testutil/testlog"
)

func roundTrip(t *testing.T, enc Encoder, in any, order wire.Order) (any, []byte) {
	t.Helper()
	b, err := enc.Append(nil, in, order)
	if err != nil {
		t.Fatalf("%s append %v: %v", enc.Tag(), in, err)
	}
	out, n, err := enc.Decode(b, order)
	if err != nil {
		t.Fatalf("%s decode: %v", enc.Tag(), err)
	}
	if n != len(b) {
		t.Fatalf("%s consumed %d of %d bytes", enc.Tag(), n, len(b))
	}
	return out, b
}

func TestParseTag(t *testing.T) {
	testlog.Start(t)
	name, args, err := ParseTag(" fixed( 8 , 8 ) ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if name != "fixed" || len(args) != 2 || args[0] != 8 || args[1] != 8 {
		t.Fatalf("unexpected parse: %s %v", name, args)
	}
	for _, bad := range []string{"", "uint(", "uint()", "9lives", "uint(x)"} {
		if _, _, err := ParseTag(bad); !errors.Is(err, ErrBadTag) {
			t.Fatalf("expected ErrBadTag for %q, got %v", bad, err)
		}
	}
}

func TestBuiltinWidths(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	cases := map[string]int{
		"uint(8)":     1,
		"uint(16)":    2,
		"int(32)":     4,
		"int":         8,
		"float":       4,
		"double":      8,
		"bool":        1,
		"str":         Variable,
		"str(12)":     12,
		"bytes":       Variable,
		"bytes(4)":    4,
		"bits(3)":     1,
		"sbits(12)":   2,
		"fixed(8,8)":  2,
		"ufixed(4,4)": 1,
		"fixed(12,8)": 3,
		"rle":         Variable,
		"ascii7":      Variable,
	}
	for tag, want := range cases {
		enc, err := r.Lookup(tag)
		if err != nil {
			t.Fatalf("lookup %s: %v", tag, err)
		}
		if enc.Width() != want {
			t.Fatalf("%s width=%d want %d", tag, enc.Width(), want)
		}
	}
	if _, err := r.Lookup("uint(12)"); !errors.Is(err, ErrBadTag) {
		t.Fatalf("expected ErrBadTag for uint(12), got %v", err)
	}
	if _, err := r.Lookup("nope"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestRegisterOverridesBuiltin(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	custom := Funcs{
		Name: "bool",
		Size: 1,
		EncodeFn: func(v any, _ wire.Order) ([]byte, error) {
			if v.(bool) {
				return []byte{'Y'}, nil
			}
			return []byte{'N'}, nil
		},
		DecodeFn: func(src []byte, _ wire.Order) (any, int, error) {
			if len(src) < 1 {
				return nil, 0, wire.Short(1, 0)
			}
			return src[0] == 'Y', 1, nil
		},
	}
	r.RegisterEncoder("bool", custom)
	enc, err := r.Lookup("bool")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	out, b := roundTrip(t, enc, true, wire.BigEndian)
	if !bytes.Equal(b, []byte{'Y'}) || out != true {
		t.Fatalf("custom encoder not used: %q -> %v", b, out)
	}
}

func TestIntegersBothOrders(t *testing.T) {
	testlog.Start(t)
	b, _ := Uint(16).Append(nil, 0x0102, wire.BigEndian)
	if !bytes.Equal(b, []byte{0x01, 0x02}) {
		t.Fatalf("big endian layout %x", b)
	}
	b, _ = Uint(16).Append(nil, 0x0102, wire.LittleEndian)
	if !bytes.Equal(b, []byte{0x02, 0x01}) {
		t.Fatalf("little endian layout %x", b)
	}
	out, _ := roundTrip(t, Int(32), -123456, wire.LittleEndian)
	if out != int64(-123456) {
		t.Fatalf("int32 round trip %v", out)
	}
	if _, err := Uint(8).Normalize(256); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if _, err := Int(8).Normalize(-129); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected signed overflow error, got %v", err)
	}
	if _, err := Uint(8).Normalize("x"); !errors.Is(err, ErrValueType) {
		t.Fatalf("expected ErrValueType, got %v", err)
	}
}

func TestFloats(t *testing.T) {
	testlog.Start(t)
	out, _ := roundTrip(t, Float32(), 1.5, wire.BigEndian)
	if out != float32(1.5) {
		t.Fatalf("float round trip %v", out)
	}
	out, _ = roundTrip(t, Float64(), math.Pi, wire.LittleEndian)
	if out != math.Pi {
		t.Fatalf("double round trip %v", out)
	}
}

func TestStringsAndBytes(t *testing.T) {
	testlog.Start(t)
	out, b := roundTrip(t, String(0), "héllo", wire.BigEndian)
	if out != "héllo" || len(b) != 4+len("héllo") {
		t.Fatalf("str round trip %v (%d bytes)", out, len(b))
	}
	out, b = roundTrip(t, String(8), "abc", wire.BigEndian)
	if out != "abc" || len(b) != 8 {
		t.Fatalf("str(8) round trip %q (%d bytes)", out, len(b))
	}
	if _, err := String(2).Normalize("abc"); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected str(2) overflow, got %v", err)
	}
	if _, err := String(8).Append(nil, "ab\x00", wire.BigEndian); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("trailing NUL in str(8) should be rejected, got %v", err)
	}
	out, _ = roundTrip(t, String(8), "a\x00b", wire.BigEndian)
	if out != "a\x00b" {
		t.Fatalf("inner NUL lost: %q", out)
	}
	if _, err := String(0).Normalize("ab\x00"); err != nil {
		t.Fatalf("prefixed str keeps NULs, got %v", err)
	}
	out, _ = roundTrip(t, Bytes(0), []byte{1, 2, 3, 4, 5}, wire.LittleEndian)
	if !bytes.Equal(out.([]byte), []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("bytes round trip %v", out)
	}
	if _, err := Bytes(4).Normalize([]byte{1}); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected exact-size error, got %v", err)
	}
	if _, _, err := Bytes(0).Decode([]byte{0, 0, 0, 9, 1}, wire.BigEndian); !errors.Is(err, wire.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestFixedPoint(t *testing.T) {
	testlog.Start(t)
	enc, err := FixedPoint(8, 8, true)
	if err != nil {
		t.Fatalf("fixed: %v", err)
	}
	out, b := roundTrip(t, enc, -3.25, wire.BigEndian)
	if out != -3.25 || len(b) != 2 {
		t.Fatalf("fixed round trip %v (%x)", out, b)
	}
	if _, err := enc.Normalize(128.0); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected range error, got %v", err)
	}
	uenc, _ := FixedPoint(4, 4, false)
	if _, err := uenc.Normalize(-1.0); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected unsigned range error, got %v", err)
	}
	out, _ = roundTrip(t, uenc, 15.9375, wire.BigEndian)
	if out != 15.9375 {
		t.Fatalf("ufixed round trip %v", out)
	}
}

func TestEnum(t *testing.T) {
	testlog.Start(t)
	enc, err := NewEnum(1, map[string]uint64{"idle": 0, "active": 1, "error": 2})
	if err != nil {
		t.Fatalf("enum: %v", err)
	}
	out, _ := roundTrip(t, enc, "active", wire.BigEndian)
	if out != uint64(1) {
		t.Fatalf("enum round trip %v", out)
	}
	if _, err := enc.Normalize(7); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected out-of-set error, got %v", err)
	}
	if _, _, err := enc.Decode([]byte{9}, wire.BigEndian); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected decode out-of-set error, got %v", err)
	}
	if name, ok := enc.Name(2); !ok || name != "error" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestRunLength(t *testing.T) {
	testlog.Start(t)
	in := append(bytes.Repeat([]byte{0xAA}, 300), 0x01, 0x01, 0x02)
	out, b := roundTrip(t, RunLength(), in, wire.BigEndian)
	if !bytes.Equal(out.([]byte), in) {
		t.Fatalf("rle round trip mismatch")
	}
	// 255 + 45 run of 0xAA, run of two 0x01, run of one 0x02
	want := []byte{0, 0, 0, 8, 255, 0xAA, 45, 0xAA, 2, 0x01, 1, 0x02}
	if !bytes.Equal(b, want) {
		t.Fatalf("rle layout %x want %x", b, want)
	}
	empty, _ := RunLength().Append(nil, []byte{}, wire.BigEndian)
	if !bytes.Equal(empty, []byte{0, 0, 0, 0}) {
		t.Fatalf("empty rle layout %x", empty)
	}
}

func TestASCII7(t *testing.T) {
	testlog.Start(t)
	out, b := roundTrip(t, ASCII7(), "HELLOWOR", wire.BigEndian)
	if out != "HELLOWOR" {
		t.Fatalf("ascii7 round trip %v", out)
	}
	if len(b) != 2+7 {
		t.Fatalf("8 characters should pack into 7 bytes, got %d", len(b)-2)
	}
	out, _ = roundTrip(t, ASCII7(), "abc", wire.LittleEndian)
	if out != "abc" {
		t.Fatalf("ascii7 short round trip %v", out)
	}
	if _, err := ASCII7().Normalize("é"); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected non-ascii rejection, got %v", err)
	}
}

func TestBitfieldBytes(t *testing.T) {
	testlog.Start(t)
	enc, err := Bitfield(12, true)
	if err != nil {
		t.Fatalf("bitfield: %v", err)
	}
	out, b := roundTrip(t, enc, -2048, wire.BigEndian)
	if out != int64(-2048) || len(b) != 2 {
		t.Fatalf("sbits round trip %v (%x)", out, b)
	}
	raw, err := enc.ToBits(-1)
	if err != nil || raw != 0xFFF {
		t.Fatalf("unexpected raw bits %x (%v)", raw, err)
	}
}
