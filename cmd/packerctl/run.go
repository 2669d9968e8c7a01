package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/auth"
	"github.com/danmuck/wirepack/internal/config"
	"github.com/danmuck/wirepack/internal/inspect"
	"github.com/danmuck/wirepack/internal/logging"
	"github.com/danmuck/wirepack/internal/observability"
	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/serializer"
	"github.com/danmuck/wirepack/internal/transport"
)

const usage = `usage: packerctl <command> [flags]

commands:
  init      write a config template
  validate  load a config and build its protocol
  decode    decode hex frames in order through one source
  serve     run the inspect HTTP server
  listen    accept frames over TCP and log each message
  send      encode one JSON message and send it over TCP`

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command\n%s", usage)
	}
	switch args[0] {
	case "init":
		return runInit(args[1:], out)
	case "validate":
		return runValidate(args[1:], out)
	case "decode":
		return runDecode(args[1:], out)
	case "serve":
		return runServe(ctx, args[1:])
	case "listen":
		return runListen(ctx, args[1:])
	case "send":
		return runSend(ctx, args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func runInit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	kind := fs.String("kind", "telemetry", "template kind: telemetry|minimal")
	output := fs.String("output", "packerctl.toml", "output path")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s config to %s\n", *kind, *output)
	return nil
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("config", "packerctl.toml", "config path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := load(*path)
	if err != nil {
		return err
	}
	for _, name := range p.Types() {
		s, _ := p.Lookup(name)
		header, footer, _ := p.Envelopes(name)
		fmt.Fprintf(out, "%s fields=%d header=%d footer=%d\n", name, s.Len(), envelopeLen(header), envelopeLen(footer))
	}
	return nil
}

// runDecode feeds each hex argument to the same source, so one frame may be
// split across arguments.
func runDecode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	path := fs.String("config", "packerctl.toml", "config path")
	source := fs.String("source", "cli", "source id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("decode: no hex input")
	}
	p, err := load(*path)
	if err != nil {
		return err
	}
	for _, arg := range fs.Args() {
		data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(arg), "0x"))
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		for {
			outcome, err := p.Decode(data, *source)
			if err != nil {
				return err
			}
			printOutcome(out, outcome)
			if outcome.Kind != protocol.OK || len(outcome.Trailing) == 0 {
				break
			}
			data = outcome.Trailing
		}
	}
	if n := p.IncompleteBufferSize(*source); n > 0 {
		fmt.Fprintf(out, "buffered %d bytes\n", n)
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	path := fs.String("config", "packerctl.toml", "config path")
	addr := fs.String("addr", "", "listen address (overrides [inspect] addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, p, logger, err := setupRuntime(*path)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Inspect.Addr = *addr
	}
	var opts []inspect.Option
	if cfg.Inspect.Token != "" {
		opts = append(opts, inspect.WithAuth(auth.StaticToken{Token: cfg.Inspect.Token}))
	}
	srv := inspect.New(cfg.Inspect.Name, cfg.Inspect.Addr, p, cfg.Inspect.CorsOrigins, logger, opts...)
	return srv.Serve(ctx)
}

func runListen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	path := fs.String("config", "packerctl.toml", "config path")
	addr := fs.String("addr", "", "listen address (overrides [transport] addr)")
	echo := fs.Bool("echo", false, "send every message back to its sender")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, p, logger, err := setupRuntime(*path)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Transport.Addr = *addr
	}
	tc, err := cfg.Transport.Transport()
	if err != nil {
		return err
	}
	handler := func(_ context.Context, msg *schema.Instance, source string) (*schema.Instance, error) {
		logger.Info().Str("source", source).Str("type", msg.Schema().Name()).Interface("fields", msg.ToMap()).Msg("message")
		if *echo {
			return msg, nil
		}
		return nil, nil
	}
	srv, err := transport.NewServer(p, handler, tc, logger)
	if err != nil {
		return err
	}
	srv.OnInvalid = func(source string, m *protocol.InvalidMessage) {
		logger.Warn().Str("source", source).Str("type", m.PartialType).Err(m.Err).Msg("dropped frame")
	}
	return srv.ListenAndServe(ctx, cfg.Transport.Addr)
}

// runSend encodes -fields (a JSON object) as -type and writes one frame. With
// -wait it prints the first reply.
func runSend(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	path := fs.String("config", "packerctl.toml", "config path")
	addr := fs.String("addr", "", "server address (overrides [transport] addr)")
	typeName := fs.String("type", "", "message type")
	fields := fs.String("fields", "{}", "message fields as JSON")
	wait := fs.Duration("wait", 0, "wait this long for a reply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	p, err := config.Build(cfg)
	if err != nil {
		return err
	}
	s, ok := p.Lookup(*typeName)
	if !ok {
		return fmt.Errorf("send: type %q not registered", *typeName)
	}
	msg, err := serializer.DecodeInstance(s, []byte(*fields))
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if *addr != "" {
		cfg.Transport.Addr = *addr
	}
	tc, err := cfg.Transport.Transport()
	if err != nil {
		return err
	}
	client, err := transport.NewClient(cfg.Transport.Addr, p, tc, observability.InitLogger("packerctl"))
	if err != nil {
		return err
	}
	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Send(msg); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s to %s\n", *typeName, sess.RemoteAddr())
	if *wait <= 0 {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	reply, err := sess.Receive(waitCtx)
	if err != nil {
		return fmt.Errorf("send: waiting for reply: %w", err)
	}
	printOutcome(out, reply)
	return nil
}

// setupRuntime loads the config, installs its logging, and builds the
// protocol with metrics when enabled.
func setupRuntime(path string) (config.Config, *protocol.Protocol, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, zerolog.Nop(), err
	}
	lc := cfg.Log.Logging()
	logging.ApplyEnv(&lc)
	logging.Setup(lc)
	logger := observability.InitLogger("packerctl")

	opts := []protocol.Option{protocol.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		sink, err := observability.NewCodecSink(nil)
		if err != nil {
			return config.Config{}, nil, logger, err
		}
		opts = append(opts, protocol.WithMetricSink(sink))
	}
	p, err := config.Build(cfg, opts...)
	if err != nil {
		return config.Config{}, nil, logger, err
	}
	return cfg, p, logger, nil
}

func load(path string) (*protocol.Protocol, error) {
	logging.ConfigureRuntime()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.Build(cfg)
}

func printOutcome(out io.Writer, o protocol.Outcome) {
	switch o.Kind {
	case protocol.OK:
		fmt.Fprintf(out, "ok %s\n", o.Message)
		if o.Header != nil {
			fmt.Fprintf(out, "  header %s\n", o.Header)
		}
		if o.Footer != nil {
			fmt.Fprintf(out, "  footer %s\n", o.Footer)
		}
	case protocol.Invalid:
		fmt.Fprintf(out, "invalid %s\n", o.Invalid)
	default:
		fmt.Fprintln(out, "incomplete")
	}
}

func envelopeLen(s *schema.Schema) int {
	if s == nil {
		return 0
	}
	return s.Len()
}
