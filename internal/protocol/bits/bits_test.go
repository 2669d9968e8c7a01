package bits

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

func TestPackThreeFieldsFillsTwoBytes(t *testing.T) {
	for a := uint64(0); a < 8; a++ {
		for b := uint64(0); b < 32; b++ {
			for c := uint64(0); c < 256; c += 17 {
				var p Packer
				if err := p.WriteBits(a, 3); err != nil {
					t.Fatalf("write a: %v", err)
				}
				if err := p.WriteBits(b, 5); err != nil {
					t.Fatalf("write b: %v", err)
				}
				if err := p.WriteBits(c, 8); err != nil {
					t.Fatalf("write c: %v", err)
				}
				if p.Pending() != 0 {
					t.Fatalf("expected no padding bits, got %d", p.Pending())
				}
				out := p.Flush()
				if len(out) != 2 {
					t.Fatalf("expected 2 bytes, got %d", len(out))
				}

				u := NewUnpacker(out)
				ga, _ := u.ReadBits(3)
				gb, _ := u.ReadBits(5)
				gc, err := u.ReadBits(8)
				if err != nil {
					t.Fatalf("read c: %v", err)
				}
				if ga != a || gb != b || gc != c {
					t.Fatalf("round trip mismatch: got (%d,%d,%d) want (%d,%d,%d)", ga, gb, gc, a, b, c)
				}
				if u.BytesConsumed() != 2 {
					t.Fatalf("expected 2 bytes consumed, got %d", u.BytesConsumed())
				}
			}
		}
	}
}

func TestFlushPadsPartialByteMSBFirst(t *testing.T) {
	var p Packer
	_ = p.WriteBits(1, 1)
	_ = p.WriteBits(0b01, 2)
	out := p.Flush()
	if !bytes.Equal(out, []byte{0b1010_0000}) {
		t.Fatalf("unexpected flush output: %08b", out)
	}
	if again := p.Flush(); len(again) != 0 {
		t.Fatalf("flush should reset the packer, got %v", again)
	}
}

func TestSignedRoundTrip(t *testing.T) {
	for v := int64(-16); v < 16; v++ {
		var p Packer
		if err := p.WriteSigned(v, 5); err != nil {
			t.Fatalf("write %d: %v", v, err)
		}
		got, err := NewUnpacker(p.Flush()).ReadSigned(5)
		if err != nil {
			t.Fatalf("read %d: %v", v, err)
		}
		if got != v {
			t.Fatalf("signed round trip: got %d want %d", got, v)
		}
	}
}

func TestWriteRejectsOutOfRange(t *testing.T) {
	var p Packer
	if err := p.WriteBits(8, 3); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if err := p.WriteSigned(16, 5); !errors.Is(err, wire.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue for signed overflow, got %v", err)
	}
	if err := p.WriteBits(1, 0); !errors.Is(err, ErrWidth) {
		t.Fatalf("expected ErrWidth, got %v", err)
	}
}

func TestReadBeyondInputIsInsufficientData(t *testing.T) {
	u := NewUnpacker([]byte{0xff})
	if _, err := u.ReadBits(6); err != nil {
		t.Fatalf("read 6: %v", err)
	}
	_, err := u.ReadBits(3)
	if !errors.Is(err, wire.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if u.BytesConsumed() != 1 {
		t.Fatalf("failed read must not advance, consumed=%d", u.BytesConsumed())
	}
}

func TestMixedBitsAndBytes(t *testing.T) {
	var p Packer
	_ = p.WriteBits(0b101, 3)
	p.WriteBytes([]byte{0xAB, 0xCD})
	_ = p.WriteBits(0xF, 4)
	out := p.Flush()
	want := []byte{0b1010_0000, 0xAB, 0xCD, 0xF0}
	if !bytes.Equal(out, want) {
		t.Fatalf("unexpected layout: %x want %x", out, want)
	}

	u := NewUnpacker(out)
	if v, _ := u.ReadBits(3); v != 0b101 {
		t.Fatalf("unexpected head bits %b", v)
	}
	rest := u.Rest()
	if !bytes.Equal(rest[:2], []byte{0xAB, 0xCD}) {
		t.Fatalf("unexpected aligned bytes %x", rest[:2])
	}
	if err := u.Skip(2); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if v, _ := u.ReadBits(4); v != 0xF {
		t.Fatalf("unexpected tail bits %x", v)
	}
	if u.BytesConsumed() != 4 {
		t.Fatalf("expected 4 bytes consumed, got %d", u.BytesConsumed())
	}
}

func TestFullWidth(t *testing.T) {
	var p Packer
	if err := p.WriteBits(^uint64(0), 64); err != nil {
		t.Fatalf("write 64: %v", err)
	}
	if err := p.WriteSigned(-1, 64); err != nil {
		t.Fatalf("write signed 64: %v", err)
	}
	u := NewUnpacker(p.Flush())
	if v, _ := u.ReadBits(64); v != ^uint64(0) {
		t.Fatalf("unexpected 64-bit value %x", v)
	}
	if v, _ := u.ReadSigned(64); v != -1 {
		t.Fatalf("unexpected signed 64-bit value %d", v)
	}
}
