package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/danmuck/wirepack/internal/protocol/codec"
	"github.com/danmuck/wirepack/internal/protocol/frame"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
	"github.com/danmuck/wirepack/internal/testutil/testlog"
)

func pingSchema(t *testing.T) *schema.Schema {
	t.Helper()
	header, err := schema.Build("PingHeader", []schema.FieldSpec{
		{Name: "version", Type: "uint(8)"},
		{Name: "seq", Type: "uint(16)"},
	})
	if err != nil {
		t.Fatalf("build header: %v", err)
	}
	s, err := schema.Build("Ping", []schema.FieldSpec{
		{Name: "header", Nested: header},
		{Name: "note", Type: "str"},
		{Name: "payload", Type: "bytes"},
	})
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	return s
}

func newPing(t *testing.T, s *schema.Schema, seq int) *schema.Instance {
	t.Helper()
	in, err := schema.FromMap(s, map[string]any{
		"header":  map[string]any{"version": 3, "seq": seq},
		"note":    "hello",
		"payload": []byte{0xde, 0xad, 0xbe, 0xef},
	})
	if err != nil {
		t.Fatalf("from map: %v", err)
	}
	return in
}

func newProtocol(t *testing.T, opts ...Option) (*Protocol, *schema.Schema) {
	t.Helper()
	p := New(opts...)
	s := pingSchema(t)
	if err := p.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	return p, s
}

func TestRoundTripWithTrailing(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	first, err := p.Encode(newPing(t, s, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := p.Encode(newPing(t, s, 2))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := frame.PeekTypeName(first); got != "Ping" {
		t.Fatalf("frame name = %q", got)
	}

	out, err := p.Decode(append(append([]byte(nil), first...), second...), "conn")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != OK {
		t.Fatalf("kind = %s, want ok", out.Kind)
	}
	if !out.Message.Equal(newPing(t, s, 1)) {
		t.Fatalf("decoded %s", out.Message)
	}
	if !bytes.Equal(out.Trailing, second) {
		t.Fatalf("trailing = %x, want %x", out.Trailing, second)
	}
	if p.IncompleteBufferSize("conn") != 0 {
		t.Fatalf("trailing bytes should not be buffered")
	}

	out, err = p.Decode(out.Trailing, "conn")
	if err != nil || out.Kind != OK {
		t.Fatalf("decode trailing: kind=%s err=%v", out.Kind, err)
	}
	if seq, _ := out.Message.Lookup("header.seq"); seq != uint64(2) {
		t.Fatalf("seq = %v, want 2", seq)
	}
}

func TestSplitAtEveryOffset(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	if err := p.SetFooters([]schema.FieldSpec{
		{Name: "crc", Type: "uint(32)", Source: CRC32Body()},
	}); err != nil {
		t.Fatalf("set footers: %v", err)
	}
	in := newPing(t, s, 9)
	data, err := p.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	for k := 1; k < len(data); k++ {
		out, err := p.Decode(data[:k], "split")
		if err != nil {
			t.Fatalf("k=%d first half: %v", k, err)
		}
		if out.Kind != Incomplete {
			t.Fatalf("k=%d first half kind = %s", k, out.Kind)
		}
		if got := p.IncompleteBufferSize("split"); got != k {
			t.Fatalf("k=%d buffered %d", k, got)
		}
		out, err = p.Decode(data[k:], "split")
		if err != nil {
			t.Fatalf("k=%d second half: %v", k, err)
		}
		if out.Kind != OK || !out.Message.Equal(in) || len(out.Trailing) != 0 {
			t.Fatalf("k=%d kind=%s trailing=%x", k, out.Kind, out.Trailing)
		}
		if p.IncompleteBufferSize("split") != 0 {
			t.Fatalf("k=%d buffer not cleared", k)
		}
	}
}

func TestSourcesBufferIndependently(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	data, err := p.Encode(newPing(t, s, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for _, src := range []string{"a", "b"} {
		if out, _ := p.Decode(data[:4], src); out.Kind != Incomplete {
			t.Fatalf("%s: kind = %s", src, out.Kind)
		}
	}
	if p.BufferedSources() != 2 {
		t.Fatalf("buffered sources = %d", p.BufferedSources())
	}
	if !p.ClearIncompleteBuffer("a") {
		t.Fatalf("clearing a buffered source should report true")
	}
	if p.IncompleteBufferSize("a") != 0 || p.IncompleteBufferSize("b") != 4 {
		t.Fatalf("clear touched the wrong source")
	}
	if p.ClearIncompleteBuffer("a") {
		t.Fatalf("clearing an empty source should report false")
	}
	if n := p.ClearAllIncompleteBuffers(); n != 1 {
		t.Fatalf("clear all dropped %d sources, want 1", n)
	}
	if p.BufferedSources() != 0 {
		t.Fatalf("clear all left %d sources", p.BufferedSources())
	}
	if n := p.ClearAllIncompleteBuffers(); n != 0 {
		t.Fatalf("second clear all dropped %d sources", n)
	}
}

func TestFooterChecksumTamper(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	if err := p.SetFooters([]schema.FieldSpec{
		{Name: "version", Type: "uint(8)", Source: schema.ValueFrom{Path: "header.version"}},
		{Name: "size", Type: "uint(32)", Source: schema.SizeOf{Path: "body"}},
		{Name: "crc", Type: "uint(32)", Source: CRC32Body()},
	}); err != nil {
		t.Fatalf("set footers: %v", err)
	}
	data, err := p.Encode(newPing(t, s, 5))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := p.Decode(data, "ok")
	if err != nil || out.Kind != OK {
		t.Fatalf("clean decode: kind=%s err=%v", out.Kind, err)
	}
	if v, _ := out.Footer.Uint("version"); v != 3 {
		t.Fatalf("footer version = %d, want 3", v)
	}
	bodyLen := len(data) - (frame.PrefixLen + len("Ping")) - 9
	if v, _ := out.Footer.Uint("size"); v != uint64(bodyLen) {
		t.Fatalf("footer size = %d, want %d", v, bodyLen)
	}

	tampered := bytes.Clone(data)
	tampered[len(tampered)-10] ^= 0xff // last payload byte
	out, err = p.Decode(tampered, "bad")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != Invalid {
		t.Fatalf("kind = %s, want invalid", out.Kind)
	}
	var vme *wire.ValueMismatchError
	if !errors.As(out.Invalid.Err, &vme) || vme.Field != "crc" {
		t.Fatalf("expected crc mismatch, got %v", out.Invalid.Err)
	}
	if out.Invalid.PartialType != "Ping" || out.Invalid.PartialFields["note"] != "hello" {
		t.Fatalf("partial = %s %v", out.Invalid.PartialType, out.Invalid.PartialFields)
	}
	if !strings.HasPrefix(out.Invalid.String(), "InvalidMessage(type=Ping, error=") {
		t.Fatalf("string = %s", out.Invalid)
	}
	if p.IncompleteBufferSize("bad") != 0 {
		t.Fatalf("invalid input left bytes buffered")
	}
}

func TestDigestFooter(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	if err := p.SetFooters([]schema.FieldSpec{
		{Name: "digest", Type: "bytes(32)", Source: SHA3Body()},
	}); err != nil {
		t.Fatalf("set footers: %v", err)
	}
	in := newPing(t, s, 1)
	data, err := p.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body, err := codec.Encode(in)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	if !bytes.Equal(data[len(data)-32:], SHA3Digest(body)) {
		t.Fatalf("digest footer does not cover the body")
	}
	if out, err := p.Decode(data, "d"); err != nil || out.Kind != OK {
		t.Fatalf("decode: kind=%s err=%v", out.Kind, err)
	}
}

func TestHeaderStaticMismatch(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	if err := p.SetHeaders([]schema.FieldSpec{
		{Name: "magic", Type: "uint(16)", Source: schema.Static{Value: 0xCAFE}},
		{Name: "count", Type: "uint(8)", Source: FieldCount()},
	}); err != nil {
		t.Fatalf("set headers: %v", err)
	}
	data, err := p.Encode(newPing(t, s, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	off := frame.PrefixLen + len("Ping")
	if !bytes.Equal(data[off:off+3], []byte{0xCA, 0xFE, 3}) {
		t.Fatalf("header bytes = %x", data[off:off+3])
	}

	data[off+1] = 0xFF
	out, err := p.Decode(data, "h")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != Invalid || !errors.Is(out.Invalid.Err, wire.ErrStaticMismatch) {
		t.Fatalf("expected static mismatch, got %s %v", out.Kind, out.Invalid)
	}
}

func TestHeaderValuesOption(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	if err := p.SetHeaders([]schema.FieldSpec{{Name: "flags", Type: "uint(8)"}}); err != nil {
		t.Fatalf("set headers: %v", err)
	}
	if _, err := p.Encode(newPing(t, s, 1)); err == nil {
		t.Fatalf("missing header value should fail")
	}
	data, err := p.Encode(newPing(t, s, 1), HeaderValues(map[string]any{"flags": 0x80}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := p.Decode(data, "x")
	if err != nil || out.Kind != OK {
		t.Fatalf("decode: kind=%s err=%v", out.Kind, err)
	}
	if v, _ := out.Header.Uint("flags"); v != 0x80 {
		t.Fatalf("flags = %#x", v)
	}
}

func TestSetHeadersIsAtomic(t *testing.T) {
	testlog.Start(t)
	p, _ := newProtocol(t)
	if err := p.SetHeaders([]schema.FieldSpec{{Name: "v", Type: "uint(8)"}}); err != nil {
		t.Fatalf("set headers: %v", err)
	}
	err := p.SetHeaders([]schema.FieldSpec{
		{Name: "v", Type: "uint(8)", Source: schema.ValueFrom{Path: "header.nope"}},
	})
	if err == nil {
		t.Fatalf("unresolvable header path should fail")
	}
	header, _, _ := p.Envelopes("Ping")
	if header == nil || header.Len() != 1 || header.FieldAt(0).Source() != nil {
		t.Fatalf("failed SetHeaders changed the bound header")
	}
	p.ClearHeaders()
	if header, _, _ := p.Envelopes("Ping"); header != nil {
		t.Fatalf("clear headers left %s", header)
	}
}

func TestUnknownTypeClearsBuffer(t *testing.T) {
	testlog.Start(t)
	p, _ := newProtocol(t)
	data, err := frame.AppendTypeName(nil, "Pong", frame.DefaultLimits())
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if out, _ := p.Decode(data[:3], "u"); out.Kind != Incomplete {
		t.Fatalf("short name should be incomplete, got %s", out.Kind)
	}
	out, err := p.Decode(append(data[3:], 1, 2, 3), "u")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != Invalid || !errors.Is(out.Invalid, wire.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %s %v", out.Kind, out.Invalid)
	}
	if out.Invalid.PartialType != "Pong" || len(out.Invalid.Raw) != len(data)+3 {
		t.Fatalf("invalid = %s", out.Invalid)
	}
	if p.IncompleteBufferSize("u") != 0 {
		t.Fatalf("unknown type left bytes buffered")
	}
}

func TestBufferLimit(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t, WithLimits(frame.Limits{MaxBufferedBytes: 8}))
	data, err := p.Encode(newPing(t, s, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if out, _ := p.Decode(data[:6], "big"); out.Kind != Incomplete {
		t.Fatalf("kind = %s", out.Kind)
	}
	out, err := p.Decode(data[6:10], "big")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != Invalid || !errors.Is(out.Invalid.Err, wire.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %s %v", out.Kind, out.Invalid)
	}
	if p.IncompleteBufferSize("big") != 0 {
		t.Fatalf("limit left bytes buffered")
	}
}

func TestRegistry(t *testing.T) {
	testlog.Start(t)
	p, s := newProtocol(t)
	if err := p.Register(s); !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("duplicate register err = %v", err)
	}
	if err := p.Register(nil); !errors.Is(err, ErrNilSchema) {
		t.Fatalf("nil register err = %v", err)
	}
	if got, ok := p.Lookup("Ping"); !ok || got != s {
		t.Fatalf("lookup returned %v %v", got, ok)
	}
	if types := p.Types(); len(types) != 1 || types[0] != "Ping" {
		t.Fatalf("types = %v", types)
	}

	other := pingSchema(t)
	if _, err := p.Encode(newPing(t, other, 1)); !errors.Is(err, ErrUnregisteredType) {
		t.Fatalf("same-named foreign schema should not encode, got %v", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	testlog.Start(t)
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	p, s := newProtocol(t,
		WithMetricSink(sink),
		WithMetricLabels([]metrics.Label{{Name: "node", Value: "test"}}),
	)
	data, err := p.Encode(newPing(t, s, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.Decode(data, "m"); err != nil {
		t.Fatalf("decode: %v", err)
	}
	unknown, _ := frame.AppendTypeName(nil, "Nope", frame.DefaultLimits())
	if _, err := p.Decode(unknown, "m"); err != nil {
		t.Fatalf("decode: %v", err)
	}

	intervals := sink.Data()
	if len(intervals) == 0 {
		t.Fatalf("no metric intervals")
	}
	var okCount, invalidCount, encodes int
	for _, iv := range intervals {
		for key, c := range iv.Counters {
			switch {
			case strings.HasPrefix(key, "wirepack.decode.outcome.count;") && strings.Contains(key, "outcome=ok"):
				okCount += c.Count
			case strings.HasPrefix(key, "wirepack.decode.outcome.count;") && strings.Contains(key, "reason=unknown_type"):
				invalidCount += c.Count
			case strings.HasPrefix(key, "wirepack.encode.count;"):
				if !strings.Contains(key, "node=test") {
					t.Fatalf("missing base label in %s", key)
				}
				encodes += c.Count
			}
		}
	}
	if okCount != 1 || invalidCount != 1 || encodes != 1 {
		t.Fatalf("ok=%d invalid=%d encodes=%d", okCount, invalidCount, encodes)
	}
}
