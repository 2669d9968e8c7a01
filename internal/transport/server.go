// Package transport carries protocol frames over TCP, optionally wrapped in
// TLS. Each connection is its own decode source, so partial frames from one
// peer never mix with another's.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/schema"
)

// Handler is called once per decoded message. A non-nil reply is encoded and
// written back on the same connection. Returning an error closes it.
type Handler func(ctx context.Context, msg *schema.Instance, source string) (*schema.Instance, error)

type Server struct {
	// OnInvalid, when set, receives every frame the protocol rejected. The
	// connection is closed afterwards: a byte stream has no resync point.
	OnInvalid func(source string, m *protocol.InvalidMessage)

	proto   *protocol.Protocol
	handler Handler
	cfg     Config
	logger  zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
}

func NewServer(p *protocol.Protocol, handler Handler, cfg Config, logger zerolog.Logger) (*Server, error) {
	if p == nil {
		return nil, ErrProtocolRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.validateServer(); err != nil {
		return nil, err
	}
	return &Server{
		proto:   p,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Listen opens a TCP or TLS listener on addr.
func (s *Server) Listen(addr string) (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := serverTLSConfig(s.cfg.TLS)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Open connections are
// closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.closeAllConns()
			_ = ln.Close()
		case <-done:
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.TLS.Enabled).Msg("transport listening")

	var wg sync.WaitGroup
	defer func() {
		s.closeAllConns()
		wg.Wait()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// ActiveConns reports the number of connections being served.
func (s *Server) ActiveConns() int {
	return int(s.active.Load())
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	source := conn.RemoteAddr().String()
	active := s.active.Add(1)
	s.logger.Debug().Str("source", source).Int64("active", active).Msg("client connected")
	defer func() {
		_ = conn.Close()
		s.untrackConn(conn)
		s.proto.ClearIncompleteBuffer(source)
		remaining := s.active.Add(-1)
		s.logger.Debug().Str("source", source).Int64("active", remaining).Msg("client disconnected")
	}()

	if tc, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("source", source).Msg("tls handshake failed")
			return
		}
	}

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		n, readErr := conn.Read(buf)
		if n > 0 {
			err := deliver(s.proto, source, buf[:n], func(out protocol.Outcome) error {
				return s.dispatch(ctx, conn, source, out)
			})
			if err != nil {
				s.logger.Warn().Err(err).Str("source", source).Msg("closing connection")
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, net.ErrClosed) {
				s.logger.Debug().Err(readErr).Str("source", source).Msg("read failed")
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, source string, out protocol.Outcome) error {
	if out.Kind == protocol.Invalid {
		if s.OnInvalid != nil {
			s.OnInvalid(source, out.Invalid)
		}
		return out.Invalid
	}
	if s.handler == nil {
		return nil
	}
	reply, err := s.handler(ctx, out.Message, source)
	if err != nil {
		return fmt.Errorf("handler %s: %w", out.TypeName(), err)
	}
	if reply == nil {
		return nil
	}
	frame, err := s.proto.Encode(reply)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
