package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/schema"
)

const outcomeQueue = 64

type Client struct {
	addr   string
	proto  *protocol.Protocol
	cfg    Config
	logger zerolog.Logger
	rng    *rand.Rand
}

func NewClient(addr string, p *protocol.Protocol, cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	if p == nil {
		return nil, ErrProtocolRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.validateClient(); err != nil {
		return nil, err
	}
	return &Client{
		addr:   addr,
		proto:  p,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the server, retrying with backoff up to MaxConnectAttempts
// (zero retries until ctx is done), and starts reading replies.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			return newSession(conn, c.proto, c.cfg, c.logger), nil
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Str("addr", c.addr).Msg("dial failed")
		if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := sleepBackoff(ctx, c.cfg.Backoff, attempt, c.rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if !c.cfg.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := clientTLSConfig(c.cfg.TLS, c.addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Session is one live connection. Replies are decoded under a source id
// unique to the session.
type Session struct {
	conn   net.Conn
	proto  *protocol.Protocol
	cfg    Config
	logger zerolog.Logger
	source string

	writeMu   sync.Mutex
	outcomes  chan protocol.Outcome
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newSession(conn net.Conn, p *protocol.Protocol, cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		conn:     conn,
		proto:    p,
		cfg:      cfg,
		logger:   logger,
		source:   "session:" + conn.LocalAddr().String(),
		outcomes: make(chan protocol.Outcome, outcomeQueue),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Source is the decode source id used for replies on this session.
func (s *Session) Source() string { return s.source }

func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Send encodes msg and writes the frame.
func (s *Session) Send(msg *schema.Instance, opts ...protocol.EncodeOption) error {
	frame, err := s.proto.Encode(msg, opts...)
	if err != nil {
		return err
	}
	return s.SendRaw(frame)
}

// SendRaw writes pre-encoded bytes as-is.
func (s *Session) SendRaw(data []byte) error {
	select {
	case <-s.done:
		return s.readErr()
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, err := s.conn.Write(data)
	return err
}

// Receive returns the next decoded reply. An Invalid reply ends the session.
// After the connection ends, queued outcomes are still returned before the
// read error.
func (s *Session) Receive(ctx context.Context) (protocol.Outcome, error) {
	select {
	case out := <-s.outcomes:
		return out, nil
	case <-ctx.Done():
		return protocol.Outcome{}, ctx.Err()
	case <-s.done:
		select {
		case out := <-s.outcomes:
			return out, nil
		default:
		}
		return protocol.Outcome{}, s.readErr()
	}
}

// Close closes the connection and drops any partial reply.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	<-s.done
	return err
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer s.proto.ClearIncompleteBuffer(s.source)
	defer s.conn.Close()
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		n, readErr := s.conn.Read(buf)
		if n > 0 {
			err := deliver(s.proto, s.source, buf[:n], func(out protocol.Outcome) error {
				select {
				case s.outcomes <- out:
				case <-s.closing:
					return ErrClosed
				}
				if out.Kind == protocol.Invalid {
					return out.Invalid
				}
				return nil
			})
			if err != nil {
				s.setErr(err)
				return
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
				readErr = ErrClosed
			}
			s.setErr(readErr)
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.logger.Debug().Err(err).Str("source", s.source).Msg("session read loop ended")
}

func (s *Session) readErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return ErrNotConnected
	}
	return s.err
}
