// Package exporter sends span batches to an OTLP backend over gRPC or
// HTTP, and provides an in-memory recording exporter for tests and
// local development.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/traces-governor/internal/auth"
	"github.com/szibis/traces-governor/internal/compression"
	tlspkg "github.com/szibis/traces-governor/internal/tls"
	"github.com/szibis/traces-governor/internal/trace"
)

var (
	otlpExportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traces_governor_otlp_export_bytes_total",
		Help: "Total bytes exported to the OTLP backend",
	}, []string{"compression"})

	otlpExportRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_otlp_export_requests_total",
		Help: "Total number of OTLP export requests",
	})

	otlpExportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traces_governor_otlp_export_errors_total",
		Help: "Total number of OTLP export errors by error type",
	}, []string{"error_type"})

	otlpExportSpansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traces_governor_otlp_export_spans_total",
		Help: "Total number of spans exported to the OTLP backend",
	})
)

func init() {
	prometheus.MustRegister(otlpExportBytesTotal)
	prometheus.MustRegister(otlpExportRequestsTotal)
	prometheus.MustRegister(otlpExportErrorsTotal)
	prometheus.MustRegister(otlpExportSpansTotal)
}

// Protocol represents the export protocol.
type Protocol string

const (
	// ProtocolGRPC uses OTLP gRPC protocol.
	ProtocolGRPC Protocol = "grpc"
	// ProtocolHTTP uses OTLP HTTP protocol.
	ProtocolHTTP Protocol = "http"
)

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means no limit.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive)
	// connections to keep per-host.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection
	// will remain idle before closing itself.
	IdleConnTimeout time.Duration
	// DisableKeepAlives, if true, uses each connection for a single
	// request only.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 controls whether HTTP/2 is enabled.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout is the timeout after which a ping-frame
	// health check runs on an idle HTTP/2 connection.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout closes the connection if a ping response does
	// not arrive in time.
	HTTP2PingTimeout time.Duration
}

// Config holds the exporter configuration.
type Config struct {
	// Endpoint is the target endpoint (host:port for gRPC, URL for HTTP).
	Endpoint string
	// Protocol is the export protocol (grpc or http).
	Protocol Protocol
	// Insecure uses insecure connection (no TLS).
	Insecure bool
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// ServiceName is recorded as the service.name resource attribute.
	ServiceName string
	// TLS configuration for secure connections.
	TLS tlspkg.ClientConfig
	// Auth configuration for authentication.
	Auth auth.ClientConfig
	// Compression configuration for the HTTP exporter.
	Compression compression.Config
	// HTTPClient configuration for HTTP connection pooling.
	HTTPClient HTTPClientConfig
}

// OTLPExporter exports spans via OTLP (gRPC or HTTP).
type OTLPExporter struct {
	protocol    Protocol
	timeout     time.Duration
	compression compression.Config
	resource    *resourcepb.Resource
	isShutdown  atomic.Bool

	// gRPC client
	grpcConn   *grpc.ClientConn
	grpcClient coltracepb.TraceServiceClient

	// HTTP client
	httpClient   *http.Client
	httpEndpoint string
}

var (
	_ trace.SpanExporter      = (*OTLPExporter)(nil)
	_ trace.AsyncSpanExporter = (*OTLPExporter)(nil)
)

// New creates a new OTLPExporter based on the configuration.
func New(ctx context.Context, cfg Config) (*OTLPExporter, error) {
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolGRPC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var (
		exp *OTLPExporter
		err error
	)
	switch cfg.Protocol {
	case ProtocolGRPC:
		exp, err = newGRPCExporter(ctx, cfg)
	case ProtocolHTTP:
		exp, err = newHTTPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
	if err != nil {
		return nil, err
	}
	exp.resource = newResource(cfg.ServiceName)
	return exp, nil
}

// newResource builds the OTLP resource attached to every batch.
func newResource(serviceName string) *resourcepb.Resource {
	if serviceName == "" {
		return nil
	}
	return &resourcepb.Resource{
		Attributes: []*commonpb.KeyValue{{
			Key: "service.name",
			Value: &commonpb.AnyValue{
				Value: &commonpb.AnyValue_StringValue{StringValue: serviceName},
			},
		}},
	}
}

// newGRPCExporter creates a gRPC-based exporter.
func newGRPCExporter(_ context.Context, cfg Config) (*OTLPExporter, error) {
	var opts []grpc.DialOption

	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})))
	}

	if cfg.Auth.Enabled() {
		opts = append(opts, grpc.WithUnaryInterceptor(auth.GRPCClientInterceptor(cfg.Auth)))
	}

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, err
	}

	return &OTLPExporter{
		protocol:   ProtocolGRPC,
		timeout:    cfg.Timeout,
		grpcConn:   conn,
		grpcClient: coltracepb.NewTraceServiceClient(conn),
	}, nil
}

// newHTTPExporter creates an HTTP-based exporter.
func newHTTPExporter(_ context.Context, cfg Config) (*OTLPExporter, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		if cfg.TLS.Enabled {
			tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, fmt.Errorf("failed to create TLS config: %w", err)
			}
			transport.TLSClientConfig = tlsConfig
		} else {
			transport.TLSClientConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
	}

	var roundTripper http.RoundTripper = transport

	if cfg.HTTPClient.ForceAttemptHTTP2 || (!cfg.Insecure && transport.TLSClientConfig != nil) {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	if cfg.Auth.Enabled() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	client := &http.Client{
		Transport: roundTripper,
		Timeout:   cfg.Timeout,
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	scheme := "http"
	if !cfg.Insecure {
		scheme = "https"
	}
	if !hasScheme(endpoint) {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	if !hasPath(endpoint) {
		endpoint = endpoint + "/v1/traces"
	}

	return &OTLPExporter{
		protocol:     ProtocolHTTP,
		timeout:      cfg.Timeout,
		compression:  cfg.Compression,
		httpClient:   client,
		httpEndpoint: endpoint,
	}, nil
}

// MakeRecordable returns a new empty span payload.
func (e *OTLPExporter) MakeRecordable() trace.Recordable {
	return trace.NewSpanData()
}

// Export sends a span batch to the configured endpoint.
func (e *OTLPExporter) Export(ctx context.Context, batch []trace.Recordable) error {
	if e.isShutdown.Load() {
		recordExportError(ErrorTypeShutdown)
		return ErrShutdown
	}

	req := e.newRequest(batch)
	if len(req.ResourceSpans) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch e.protocol {
	case ProtocolGRPC:
		return e.exportGRPC(ctx, req)
	case ProtocolHTTP:
		return e.exportHTTP(ctx, req)
	default:
		return fmt.Errorf("unsupported protocol: %s", e.protocol)
	}
}

// ExportAsync sends a span batch without blocking the caller. The done
// callback is invoked exactly once with the export result.
func (e *OTLPExporter) ExportAsync(batch []trace.Recordable, done func(err error)) {
	go func() {
		done(e.Export(context.Background(), batch))
	}()
}

// newRequest converts a recordable batch to an OTLP export request.
// Recordables that are not SpanData (a misbehaved factory mix) are
// skipped.
func (e *OTLPExporter) newRequest(batch []trace.Recordable) *coltracepb.ExportTraceServiceRequest {
	spans := make([]*tracepb.Span, 0, len(batch))
	for _, rec := range batch {
		if sd, ok := rec.(*trace.SpanData); ok {
			spans = append(spans, sd.Proto())
		}
	}
	if len(spans) == 0 {
		return &coltracepb.ExportTraceServiceRequest{}
	}
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: e.resource,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: spans,
			}},
		}},
	}
}

// exportGRPC exports spans via gRPC.
func (e *OTLPExporter) exportGRPC(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	size := proto.Size(req)
	spans := countSpans(req)

	otlpExportRequestsTotal.Inc()

	_, err := e.grpcClient.Export(ctx, req)
	if err != nil {
		errType := classifyGRPCError(err)
		recordExportError(errType)
		return &ExportError{Err: err, Type: errType}
	}

	otlpExportBytesTotal.WithLabelValues("grpc").Add(float64(size))
	otlpExportSpansTotal.Add(float64(spans))

	return nil
}

// exportHTTP exports spans via HTTP.
func (e *OTLPExporter) exportHTTP(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	spans := countSpans(req)
	compressionLabel := "none"

	if e.compression.Type != compression.TypeNone && e.compression.Type != "" {
		body, err = compression.Compress(body, e.compression)
		if err != nil {
			return fmt.Errorf("failed to compress request: %w", err)
		}
		compressionLabel = string(e.compression.Type)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	if encoding := e.compression.Type.ContentEncoding(); encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	otlpExportRequestsTotal.Inc()

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		errType := classifyError(err)
		recordExportError(errType)
		return &ExportError{Err: fmt.Errorf("failed to send request: %w", err), Type: errType}
	}
	defer resp.Body.Close()

	// Read and discard body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		errType := classifyHTTPStatusCode(resp.StatusCode)
		recordExportError(errType)
		return &ExportError{
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Type:       errType,
			StatusCode: resp.StatusCode,
		}
	}

	otlpExportBytesTotal.WithLabelValues(compressionLabel).Add(float64(len(body)))
	otlpExportSpansTotal.Add(float64(spans))

	return nil
}

// Shutdown closes the exporter connection. Idempotent; exports after
// shutdown fail with ErrShutdown.
func (e *OTLPExporter) Shutdown(context.Context) error {
	if e.isShutdown.Swap(true) {
		return nil
	}
	switch e.protocol {
	case ProtocolGRPC:
		if e.grpcConn != nil {
			return e.grpcConn.Close()
		}
	case ProtocolHTTP:
		if e.httpClient != nil {
			e.httpClient.CloseIdleConnections()
		}
	}
	return nil
}

func recordExportError(errType ErrorType) {
	otlpExportErrorsTotal.WithLabelValues(string(errType)).Inc()
}

// countSpans counts the spans in an export request.
func countSpans(req *coltracepb.ExportTraceServiceRequest) int {
	count := 0
	for _, rs := range req.GetResourceSpans() {
		for _, ss := range rs.GetScopeSpans() {
			count += len(ss.GetSpans())
		}
	}
	return count
}

// hasScheme checks if a URL has a scheme.
func hasScheme(url string) bool {
	return len(url) >= 7 && (url[:7] == "http://" || (len(url) >= 8 && url[:8] == "https://"))
}

// hasPath checks if a URL has a path component.
func hasPath(url string) bool {
	start := 0
	if hasScheme(url) {
		if len(url) >= 8 && url[:8] == "https://" {
			start = 8
		} else {
			start = 7
		}
	}
	for i := start; i < len(url); i++ {
		if url[i] == '/' {
			return true
		}
	}
	return false
}
