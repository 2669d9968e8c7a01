package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/config"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/testutil/testlog"
	"github.com/danmuck/wirepack/internal/transport"
)

func TestInitValidateDecode(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "packerctl.toml")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"init", "-kind", "minimal", "-output", path}, &out); err != nil {
		t.Fatalf("init: %v", err)
	}

	out.Reset()
	if err := run(context.Background(), []string{"validate", "-config", path}, &out); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := out.String(); got != "Ping fields=1 header=0 footer=0\n" {
		t.Fatalf("validate output = %q", got)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := config.Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	s, _ := p.Lookup("Ping")
	in, err := schema.FromMap(s, map[string]any{"seq": 42})
	if err != nil {
		t.Fatalf("from map: %v", err)
	}
	frame, err := p.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := hex.EncodeToString(append(append([]byte(nil), frame...), frame...))

	out.Reset()
	args := []string{"decode", "-config", path, raw[:8], raw[8:]}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n := strings.Count(out.String(), "ok Ping"); n != 2 {
		t.Fatalf("decoded %d frames:\n%s", n, out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"explode"}, &out); err == nil {
		t.Fatalf("unknown command should fail")
	}
	if err := run(context.Background(), nil, &out); err == nil {
		t.Fatalf("missing command should fail")
	}
}

func TestSendWaitsForReply(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "packerctl.toml")
	if err := run(context.Background(), []string{"init", "-kind", "minimal", "-output", path}, io.Discard); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := config.Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	echo := func(_ context.Context, msg *schema.Instance, _ string) (*schema.Instance, error) {
		return msg, nil
	}
	srv, err := transport.NewServer(p, echo, transport.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx, ln) }()

	var out bytes.Buffer
	args := []string{"send", "-config", path, "-addr", ln.Addr().String(), "-type", "Ping", "-fields", `{"seq":9}`, "-wait", "5s"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out.String(), "ok Ping") {
		t.Fatalf("send output = %q", out.String())
	}

	err = run(context.Background(), []string{"send", "-config", path, "-type", "Pong"}, &out)
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("unknown type err = %v", err)
	}
}
