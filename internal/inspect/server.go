// Package inspect serves a Protocol over HTTP for debugging: list the
// registered types, decode posted frames per source, encode JSON values, and
// manage incomplete buffers.
package inspect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/wirepack/internal/auth"
	"github.com/danmuck/wirepack/internal/observability"
	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/protocol/serializer"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	Name     string
	Addr     string
	Appeared time.Time

	proto  *protocol.Protocol
	router *gin.Engine
	logger zerolog.Logger
	auth   auth.Validator
}

type Option func(*Server)

// WithAuth requires a token accepted by v on every POST and DELETE route.
func WithAuth(v auth.Validator) Option {
	return func(s *Server) { s.auth = v }
}

func New(name, addr string, p *protocol.Protocol, corsOrigins []string, logger zerolog.Logger, opts ...Option) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.TokenHeader},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Name:     name,
		Addr:     addr,
		Appeared: time.Now(),
		proto:    p,
		router:   r,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.Name,
			"types":   len(s.proto.Types()),
			"sources": s.proto.BufferedSources(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/types", func(c *gin.Context) {
		names := s.proto.Types()
		out := make([]TypeInfo, 0, len(names))
		for _, name := range names {
			if info, ok := s.describe(name); ok {
				out = append(out, info)
			}
		}
		c.JSON(http.StatusOK, gin.H{"types": out})
	})
	s.router.GET("/types/:name", func(c *gin.Context) {
		info, ok := s.describe(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "type not registered"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	guarded := s.router.Group("/", auth.Require(s.auth))
	guarded.POST("/decode/:source", s.handleDecode)
	guarded.POST("/encode/:type", s.handleEncode)

	s.router.GET("/buffers/:source", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"source":   c.Param("source"),
			"buffered": s.proto.IncompleteBufferSize(c.Param("source")),
		})
	})
	guarded.DELETE("/buffers/:source", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"source":  c.Param("source"),
			"cleared": s.proto.ClearIncompleteBuffer(c.Param("source")),
		})
	})
	guarded.DELETE("/buffers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cleared": s.proto.ClearAllIncompleteBuffers()})
	})
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", s.Addr).Strs("types", s.proto.Types()).Msg("inspect server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// DecodeResponse is the JSON form of a protocol.Outcome. Blobs are base64 and
// trailing or raw bytes are hex.
type DecodeResponse struct {
	Kind     string         `json:"kind"`
	Type     string         `json:"type,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Header   map[string]any `json:"header,omitempty"`
	Footer   map[string]any `json:"footer,omitempty"`
	Trailing string         `json:"trailing,omitempty"`
	Buffered int            `json:"buffered"`
	Error    string         `json:"error,omitempty"`
	Raw      string         `json:"raw,omitempty"`
}

// handleDecode feeds the request body to Decode. With ?format=hex the body
// is hex text instead of raw bytes.
func (s *Server) handleDecode(c *gin.Context) {
	source := c.Param("source")
	data, err := s.readBody(c)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	out, err := s.proto.Decode(data, source)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	resp := DecodeResponse{
		Kind:     out.Kind.String(),
		Type:     out.TypeName(),
		Buffered: s.proto.IncompleteBufferSize(source),
	}
	switch out.Kind {
	case protocol.OK:
		resp.Fields = out.Message.ToMap()
		resp.Header = toMap(out.Header)
		resp.Footer = toMap(out.Footer)
		if len(out.Trailing) > 0 {
			resp.Trailing = hex.EncodeToString(out.Trailing)
		}
	case protocol.Invalid:
		resp.Error = out.Invalid.Err.Error()
		resp.Raw = hex.EncodeToString(out.Invalid.Raw)
		resp.Fields = out.Invalid.PartialFields
	}
	c.JSON(http.StatusOK, resp)
}

type encodeRequest struct {
	Fields json.RawMessage `json:"fields"`
	Header map[string]any  `json:"header"`
	Footer map[string]any  `json:"footer"`
}

func (s *Server) handleEncode(c *gin.Context) {
	name := c.Param("type")
	sch, ok := s.proto.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "type not registered"})
		return
	}
	var req encodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Fields) == 0 {
		req.Fields = json.RawMessage("{}")
	}
	in, err := serializer.DecodeInstance(sch, req.Fields)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	frame, err := s.proto.Encode(in,
		protocol.HeaderValues(req.Header),
		protocol.FooterValues(req.Footer),
	)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"type":  name,
		"bytes": len(frame),
		"frame": hex.EncodeToString(frame),
	})
}

type FieldInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Source string `json:"source,omitempty"`
	Array  bool   `json:"array,omitempty"`
}

type TypeInfo struct {
	Name    string      `json:"name"`
	Width   int         `json:"width"`
	Bitwise bool        `json:"bitwise,omitempty"`
	Fields  []FieldInfo `json:"fields"`
	Header  []FieldInfo `json:"header,omitempty"`
	Footer  []FieldInfo `json:"footer,omitempty"`
}

func (s *Server) describe(name string) (TypeInfo, bool) {
	sch, ok := s.proto.Lookup(name)
	if !ok {
		return TypeInfo{}, false
	}
	header, footer, _ := s.proto.Envelopes(name)
	return TypeInfo{
		Name:    sch.Name(),
		Width:   sch.Width(),
		Bitwise: sch.IsBitwise(),
		Fields:  fieldInfo(sch),
		Header:  fieldInfo(header),
		Footer:  fieldInfo(footer),
	}, true
}

func fieldInfo(s *schema.Schema) []FieldInfo {
	if s == nil {
		return nil
	}
	out := make([]FieldInfo, 0, s.Len())
	for _, f := range s.Fields() {
		info := FieldInfo{Name: f.Name(), Type: f.Type(), Array: f.IsArray()}
		if src := f.Source(); src != nil {
			info.Source = src.String()
		}
		out = append(out, info)
	}
	return out
}

// readBody caps the request at what the protocol would buffer for one
// source. Hex text may spend up to three characters per byte.
func (s *Server) readBody(c *gin.Context) ([]byte, error) {
	hexText := c.Query("format") == "hex"
	limit := int64(s.proto.Limits().MaxBufferedBytes)
	if hexText {
		limit *= 3
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		return nil, err
	}
	if !hexText {
		return body, nil
	}
	return hex.DecodeString(strings.Join(strings.Fields(string(body)), ""))
}

func toMap(in *schema.Instance) map[string]any {
	if in == nil {
		return nil
	}
	return in.ToMap()
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
