package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/wire"
	"github.com/danmuck/wirepack/internal/testutil/testlog"
	"github.com/danmuck/wirepack/internal/testutil/tlstest"
)

func newEchoProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	p := protocol.New()
	ping, err := schema.Build("Ping", []schema.FieldSpec{
		{Name: "seq", Type: "uint(16)"},
		{Name: "note", Type: "str"},
	})
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	pong, err := schema.Build("Pong", []schema.FieldSpec{{Name: "seq", Type: "uint(16)"}})
	if err != nil {
		t.Fatalf("build pong: %v", err)
	}
	p.MustRegister(ping, pong)
	if err := p.SetFooters([]schema.FieldSpec{
		{Name: "crc", Type: "uint(32)", Source: protocol.CRC32Body()},
	}); err != nil {
		t.Fatalf("set footers: %v", err)
	}
	return p
}

func ping(t *testing.T, p *protocol.Protocol, seq int) *schema.Instance {
	t.Helper()
	s, _ := p.Lookup("Ping")
	in, err := schema.FromMap(s, map[string]any{"seq": seq, "note": "hi"})
	if err != nil {
		t.Fatalf("from map: %v", err)
	}
	return in
}

// pongHandler answers every Ping with a Pong carrying seq+1.
func pongHandler(p *protocol.Protocol, seen *atomic.Int64) Handler {
	return func(_ context.Context, msg *schema.Instance, _ string) (*schema.Instance, error) {
		seen.Add(1)
		seq, err := msg.Uint("seq")
		if err != nil {
			return nil, err
		}
		s, _ := p.Lookup("Pong")
		return schema.FromMap(s, map[string]any{"seq": seq + 1})
	}
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return ln.Addr().String()
}

func receive(t *testing.T, s *Session) protocol.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return out
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	cases := map[int]time.Duration{
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := NextBackoffDelay(cfg, attempt, nil); got != want {
			t.Fatalf("attempt %d got=%v want=%v", attempt, got, want)
		}
	}
	cfg.Jitter = true
	if got := NextBackoffDelay(cfg, 2, nil); got != 250*time.Millisecond {
		t.Fatalf("jitter without rng got=%v", got)
	}
}

func TestRequestReply(t *testing.T) {
	testlog.Start(t)
	p := newEchoProtocol(t)
	var seen atomic.Int64
	srv, err := NewServer(p, pongHandler(p, &seen), Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	addr := startServer(t, srv)

	client, err := NewClient(addr, p, Config{MaxConnectAttempts: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	for seq := 1; seq <= 3; seq++ {
		if err := sess.Send(ping(t, p, seq*10)); err != nil {
			t.Fatalf("send: %v", err)
		}
		out := receive(t, sess)
		if out.Kind != protocol.OK || out.TypeName() != "Pong" {
			t.Fatalf("reply = %v %s", out.Kind, out.TypeName())
		}
		if got, _ := out.Message.Uint("seq"); got != uint64(seq*10+1) {
			t.Fatalf("pong seq = %d", got)
		}
	}
	if seen.Load() != 3 {
		t.Fatalf("handler calls = %d", seen.Load())
	}
}

func TestServerReassemblesSplitWrites(t *testing.T) {
	testlog.Start(t)
	p := newEchoProtocol(t)
	var seen atomic.Int64
	srv, err := NewServer(p, pongHandler(p, &seen), Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	addr := startServer(t, srv)

	first, err := p.Encode(ping(t, p, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := p.Encode(ping(t, p, 2))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stream := append(append([]byte(nil), first...), second...)

	client, _ := NewClient(addr, p, Config{}, zerolog.Nop())
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	cut := len(first) + 3
	for _, part := range [][]byte{stream[:2], stream[2:cut], stream[cut:]} {
		if err := sess.SendRaw(part); err != nil {
			t.Fatalf("send raw: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	for want := uint64(2); want <= 3; want++ {
		out := receive(t, sess)
		if got, _ := out.Message.Uint("seq"); got != want {
			t.Fatalf("pong seq = %d want %d", got, want)
		}
	}
}

func TestInvalidFrameClosesConnection(t *testing.T) {
	testlog.Start(t)
	p := newEchoProtocol(t)
	var seen atomic.Int64
	srv, err := NewServer(p, pongHandler(p, &seen), Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	invalid := make(chan *protocol.InvalidMessage, 1)
	srv.OnInvalid = func(_ string, m *protocol.InvalidMessage) { invalid <- m }
	addr := startServer(t, srv)

	client, _ := NewClient(addr, p, Config{}, zerolog.Nop())
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	if err := sess.SendRaw([]byte{0x00, 0x03, 'Z', 'z', 'z', 0x01}); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	select {
	case m := <-invalid:
		if !errors.Is(m, wire.ErrUnknownType) || m.PartialType != "Zzz" {
			t.Fatalf("invalid = %v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no invalid frame reported")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive err = %v, want ErrClosed", err)
	}
	if seen.Load() != 0 {
		t.Fatalf("handler called %d times", seen.Load())
	}
}

func TestHandlerErrorClosesConnection(t *testing.T) {
	testlog.Start(t)
	p := newEchoProtocol(t)
	handler := func(context.Context, *schema.Instance, string) (*schema.Instance, error) {
		return nil, errors.New("refused")
	}
	srv, err := NewServer(p, handler, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	addr := startServer(t, srv)

	client, _ := NewClient(addr, p, Config{}, zerolog.Nop())
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	if err := sess.Send(ping(t, p, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sess.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("receive err = %v, want ErrClosed", err)
	}
}

func TestConnectGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := Config{
		MaxConnectAttempts: 3,
		Backoff:            BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2},
	}
	client, err := NewClient(addr, newEchoProtocol(t), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Connect(context.Background()); err == nil {
		t.Fatalf("connect to closed port should fail")
	}
}

func TestMutualTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir)
	serverPair := ca.Server(t, "server")
	clientPair := ca.Client(t, "client")

	p := newEchoProtocol(t)
	var seen atomic.Int64
	srv, err := NewServer(p, pongHandler(p, &seen), Config{TLS: TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: serverPair.CertFile,
		KeyFile:  serverPair.KeyFile,
		CAFile:   ca.CAFile,
	}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	addr := startServer(t, srv)

	client, err := NewClient(addr, p, Config{MaxConnectAttempts: 1, TLS: TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: clientPair.CertFile,
		KeyFile:  clientPair.KeyFile,
		CAFile:   ca.CAFile,
	}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sess, err := client.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()
	if err := sess.Send(ping(t, p, 41)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, _ := receive(t, sess).Message.Uint("seq"); got != 42 {
		t.Fatalf("pong seq = %d", got)
	}
}

func TestConfigValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewServer(nil, nil, Config{}, zerolog.Nop()); !errors.Is(err, ErrProtocolRequired) {
		t.Fatalf("nil protocol err = %v", err)
	}
	p := protocol.New()
	if _, err := NewServer(p, nil, Config{TLS: TLSConfig{Mutual: true}}, zerolog.Nop()); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("mutual without tls err = %v", err)
	}
	if _, err := NewServer(p, nil, Config{TLS: TLSConfig{Enabled: true}}, zerolog.Nop()); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("tls without cert err = %v", err)
	}
	if _, err := NewClient("", p, Config{}, zerolog.Nop()); !errors.Is(err, ErrAddressRequired) {
		t.Fatalf("empty address err = %v", err)
	}
	if _, err := NewClient("127.0.0.1:1", p, Config{TLS: TLSConfig{Enabled: true}}, zerolog.Nop()); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("tls without ca err = %v", err)
	}
}

// brokenListener fails every Accept and counts Close calls.
type brokenListener struct {
	closes atomic.Int64
}

var errAcceptFailed = errors.New("accept failed")

func (l *brokenListener) Accept() (net.Conn, error) { return nil, errAcceptFailed }
func (l *brokenListener) Close() error              { l.closes.Add(1); return nil }
func (l *brokenListener) Addr() net.Addr            { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServeReturnsAcceptErrorAndStopsWatching(t *testing.T) {
	testlog.Start(t)
	var seen atomic.Int64
	p := newEchoProtocol(t)
	srv, err := NewServer(p, pongHandler(p, &seen), Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln := &brokenListener{}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Serve(ctx, ln); !errors.Is(err, errAcceptFailed) {
		t.Fatalf("expected accept error, got %v", err)
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	if n := ln.closes.Load(); n != 1 {
		t.Fatalf("listener closed %d times after serve returned, want 1", n)
	}
}
