package trace

import (
	"fmt"
	"time"

	apitrace "go.opentelemetry.io/otel/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// SpanData is a Recordable backed by an OTLP protobuf span, so a filled
// recordable can go onto the wire without another copy.
type SpanData struct {
	span tracepb.Span
}

var _ Recordable = (*SpanData)(nil)

// NewSpanData returns an empty SpanData.
func NewSpanData() *SpanData {
	return &SpanData{}
}

// SetName sets the span name.
func (s *SpanData) SetName(name string) {
	s.span.Name = name
}

// SetSpanContext sets the span identity.
func (s *SpanData) SetSpanContext(sc SpanContext) {
	s.span.TraceId = append(s.span.TraceId[:0], sc.TraceID[:]...)
	s.span.SpanId = append(s.span.SpanId[:0], sc.SpanID[:]...)
	s.span.Flags = uint32(sc.TraceFlags)
}

// SetParentSpanID sets the parent span ID.
func (s *SpanData) SetParentSpanID(id apitrace.SpanID) {
	if !id.IsValid() {
		s.span.ParentSpanId = nil
		return
	}
	s.span.ParentSpanId = append(s.span.ParentSpanId[:0], id[:]...)
}

// SetStartTime sets the span start timestamp.
func (s *SpanData) SetStartTime(t time.Time) {
	s.span.StartTimeUnixNano = uint64(t.UnixNano())
}

// SetDuration sets the end timestamp relative to the start timestamp.
func (s *SpanData) SetDuration(d time.Duration) {
	s.span.EndTimeUnixNano = s.span.StartTimeUnixNano + uint64(d.Nanoseconds())
}

// SetAttribute records an attribute on the span.
func (s *SpanData) SetAttribute(key string, value interface{}) {
	s.span.Attributes = append(s.span.Attributes, &commonpb.KeyValue{
		Key:   key,
		Value: toAnyValue(value),
	})
}

// SetStatus sets the span completion status.
func (s *SpanData) SetStatus(code StatusCode, description string) {
	st := &tracepb.Status{Code: tracepb.Status_StatusCode(code)}
	if code == StatusError {
		st.Message = description
	}
	s.span.Status = st
}

// Name returns the span name.
func (s *SpanData) Name() string {
	return s.span.Name
}

// TraceID returns the span's trace ID.
func (s *SpanData) TraceID() apitrace.TraceID {
	var id apitrace.TraceID
	copy(id[:], s.span.TraceId)
	return id
}

// SpanID returns the span's span ID.
func (s *SpanData) SpanID() apitrace.SpanID {
	var id apitrace.SpanID
	copy(id[:], s.span.SpanId)
	return id
}

// Duration returns the recorded span duration.
func (s *SpanData) Duration() time.Duration {
	return time.Duration(s.span.EndTimeUnixNano - s.span.StartTimeUnixNano)
}

// Proto returns the underlying OTLP span. The caller must not retain it
// past the lifetime of the SpanData.
func (s *SpanData) Proto() *tracepb.Span {
	return &s.span
}

// toAnyValue converts a Go value to an OTLP AnyValue.
func toAnyValue(value interface{}) *commonpb.AnyValue {
	switch v := value.(type) {
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v}}
	case int:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(v)}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprint(v)}}
	}
}
