package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/wirepack/internal/protocol"
	"github.com/danmuck/wirepack/internal/protocol/schema"
	"github.com/danmuck/wirepack/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("inspect", "GET", "/types", 200, 12*time.Millisecond)
	RecordRequestBody("inspect", "/decode/:source", 42)
}

func TestCodecSinkExportsProtocolMetrics(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	sink, err := NewCodecSink(reg)
	require.NoError(t, err)

	p := protocol.New(protocol.WithMetricSink(sink))
	s, err := schema.Build("Ping", []schema.FieldSpec{{Name: "seq", Type: "uint(16)"}})
	require.NoError(t, err)
	require.NoError(t, p.Register(s))

	in, err := schema.FromMap(s, map[string]any{"seq": 7})
	require.NoError(t, err)
	data, err := p.Encode(in)
	require.NoError(t, err)
	out, err := p.Decode(data, "conn")
	require.NoError(t, err)
	require.Equal(t, protocol.OK, out.Kind)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	require.Contains(t, joined, "wirepack_encode_count")
	require.Contains(t, joined, "wirepack_decode_outcome_count")
}

func TestMiddlewareRecordsRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware("test"))
	r.GET("/types/:name", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/types/Ping", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
