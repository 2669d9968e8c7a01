package frame

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

func TestTypeNameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, "Ping", DefaultLimits(), []byte{1, 2}, []byte{3}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	want := []byte{0, 4, 'P', 'i', 'n', 'g', 1, 2, 3}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got %x, want %x", buf.Bytes(), want)
	}
	name, n, err := ReadTypeName(buf.Bytes(), DefaultLimits())
	if err != nil {
		t.Fatalf("read type name: %v", err)
	}
	if name != "Ping" || n != 6 {
		t.Fatalf("got %q/%d", name, n)
	}
}

func TestReadTypeNameShortIsInsufficient(t *testing.T) {
	full, _ := AppendTypeName(nil, "Telemetry", DefaultLimits())
	for cut := 0; cut < len(full); cut++ {
		_, _, err := ReadTypeName(full[:cut], DefaultLimits())
		if !errors.Is(err, wire.ErrInsufficientData) {
			t.Fatalf("cut %d: expected insufficient data, got %v", cut, err)
		}
	}
	if got := PeekTypeName(full[:5]); got != "Tel" {
		t.Fatalf("peek = %q", got)
	}
}

func TestReadTypeNameRejectsMalformed(t *testing.T) {
	limits := Limits{MaxTypeNameLen: 4}.Normalize()
	if limits.MaxTypeNameLen != 4 || limits.MaxBufferedBytes != DefaultLimits().MaxBufferedBytes {
		t.Fatalf("normalize: %+v", limits)
	}
	long, _ := AppendTypeName(nil, "Heartbeat", DefaultLimits())
	if _, _, err := ReadTypeName(long, limits); !errors.Is(err, ErrNameTooLong) || !wire.IsDataError(err) {
		t.Fatalf("expected name too long data error, got %v", err)
	}
	if _, _, err := ReadTypeName([]byte{0, 0}, limits); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected empty name, got %v", err)
	}
	if _, _, err := ReadTypeName([]byte{0, 1, 0xFF}, limits); !errors.Is(err, ErrNameEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	if _, err := AppendTypeName(nil, strings.Repeat("x", 5), limits); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected encode-side limit, got %v", err)
	}
}
