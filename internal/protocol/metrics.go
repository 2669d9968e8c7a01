package protocol

import (
	"errors"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/danmuck/wirepack/internal/protocol/wire"
)

var (
	MetricEncodeCount        = []string{"wirepack", "encode", "count"}
	MetricEncodeErrorCount   = []string{"wirepack", "encode", "error", "count"}
	MetricEncodeBytes        = []string{"wirepack", "encode", "bytes"}
	MetricDecodeOutcomeCount = []string{"wirepack", "decode", "outcome", "count"}
	MetricDecodeInBytes      = []string{"wirepack", "decode", "in", "bytes"}
	MetricDecodeLatencyMs    = []string{"wirepack", "decode", "latency", "ms"}
	MetricBufferSizeBytes    = []string{"wirepack", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelType    TelemetryLabel = "type"
	LabelOutcome TelemetryLabel = "outcome"
	LabelReason  TelemetryLabel = "reason"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (p *Protocol) withLabels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(p.labels)+len(extra))
	out = append(out, p.labels...)
	return append(out, extra...)
}

func (p *Protocol) observeEncode(typeName string, n int, err error) {
	if err != nil {
		p.sink.IncrCounterWithLabels(MetricEncodeErrorCount, 1, p.withLabels(LabelType.M(typeName), LabelReason.M(reason(err))))
		return
	}
	labels := p.withLabels(LabelType.M(typeName))
	p.sink.IncrCounterWithLabels(MetricEncodeCount, 1, labels)
	p.sink.AddSampleWithLabels(MetricEncodeBytes, float32(n), labels)
}

func (p *Protocol) observeDecode(out Outcome, in int, start time.Time) {
	labels := p.withLabels(LabelType.M(out.TypeName()), LabelOutcome.M(out.Kind.String()))
	if out.Invalid != nil {
		labels = append(labels, LabelReason.M(reason(out.Invalid.Err)))
	}
	p.sink.IncrCounterWithLabels(MetricDecodeOutcomeCount, 1, labels)
	p.sink.AddSampleWithLabels(MetricDecodeInBytes, float32(in), p.withLabels())
	p.sink.AddSampleWithLabels(MetricDecodeLatencyMs, float32(time.Since(start).Seconds()*1000), p.withLabels())
	_, buffered := p.buffers.totals()
	p.sink.SetGaugeWithLabels(MetricBufferSizeBytes, float32(buffered), p.withLabels())
}

// reason maps an error to a low-cardinality label value.
func reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, wire.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, wire.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, wire.ErrStaticMismatch):
		return "static_mismatch"
	case errors.Is(err, wire.ErrValueMismatch):
		return "value_mismatch"
	case errors.Is(err, wire.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, wire.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, wire.ErrEncodeType):
		return "encode_type"
	case errors.Is(err, ErrUnregisteredType):
		return "unregistered_type"
	default:
		return "other"
	}
}
