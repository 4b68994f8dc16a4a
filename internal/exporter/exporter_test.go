package exporter

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/traces-governor/internal/auth"
	"github.com/szibis/traces-governor/internal/compression"
	"github.com/szibis/traces-governor/internal/trace"
)

// otlpHTTPServer records decoded OTLP trace requests.
type otlpHTTPServer struct {
	mu       sync.Mutex
	requests []*coltracepb.ExportTraceServiceRequest
	headers  []http.Header
	status   int
}

func (s *otlpHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, err = io.ReadAll(zr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	req := &coltracepb.ExportTraceServiceRequest{}
	if err := proto.Unmarshal(body, req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.headers = append(s.headers, r.Header.Clone())
	statusCode := s.status
	s.mu.Unlock()

	if statusCode != 0 {
		w.WriteHeader(statusCode)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *otlpHTTPServer) spanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, req := range s.requests {
		total += countSpans(req)
	}
	return total
}

func (s *otlpHTTPServer) lastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.headers) == 0 {
		return nil
	}
	return s.headers[len(s.headers)-1]
}

func newHTTPTestExporter(t *testing.T, srv *httptest.Server, cfg Config) *OTLPExporter {
	t.Helper()
	cfg.Endpoint = srv.URL + "/v1/traces"
	cfg.Protocol = ProtocolHTTP
	cfg.Insecure = true
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	exp, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create exporter: %v", err)
	}
	return exp
}

func testBatch(exp *OTLPExporter, n int) []trace.Recordable {
	batch := make([]trace.Recordable, 0, n)
	for i := 0; i < n; i++ {
		rec := exp.MakeRecordable()
		rec.SetName("op")
		rec.SetStartTime(time.Unix(1700000000, 0))
		rec.SetDuration(time.Millisecond)
		batch = append(batch, rec)
	}
	return batch
}

func TestHTTPExportDeliversSpans(t *testing.T) {
	backend := &otlpHTTPServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	exp := newHTTPTestExporter(t, srv, Config{ServiceName: "test-service"})
	defer exp.Shutdown(context.Background())

	if err := exp.Export(context.Background(), testBatch(exp, 5)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if got := backend.spanCount(); got != 5 {
		t.Fatalf("expected 5 spans received, got %d", got)
	}
	if got := backend.lastHeader().Get("Content-Type"); got != "application/x-protobuf" {
		t.Fatalf("unexpected content type %q", got)
	}

	backend.mu.Lock()
	req := backend.requests[0]
	backend.mu.Unlock()
	attrs := req.ResourceSpans[0].GetResource().GetAttributes()
	if len(attrs) != 1 || attrs[0].Value.GetStringValue() != "test-service" {
		t.Fatalf("expected service.name resource attribute, got %v", attrs)
	}
}

func TestHTTPExportGzipCompression(t *testing.T) {
	backend := &otlpHTTPServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	exp := newHTTPTestExporter(t, srv, Config{
		Compression: compression.Config{Type: compression.TypeGzip},
	})
	defer exp.Shutdown(context.Background())

	if err := exp.Export(context.Background(), testBatch(exp, 3)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if got := backend.lastHeader().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("expected gzip content encoding, got %q", got)
	}
	if got := backend.spanCount(); got != 3 {
		t.Fatalf("expected 3 spans after decompression, got %d", got)
	}
}

func TestHTTPExportAuthHeaders(t *testing.T) {
	backend := &otlpHTTPServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	exp := newHTTPTestExporter(t, srv, Config{
		Auth: authConfig("secret-token", map[string]string{"X-Tenant": "team-a"}),
	})
	defer exp.Shutdown(context.Background())

	if err := exp.Export(context.Background(), testBatch(exp, 1)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	header := backend.lastHeader()
	if got := header.Get("Authorization"); got != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if got := header.Get("X-Tenant"); got != "team-a" {
		t.Fatalf("unexpected tenant header %q", got)
	}
}

func TestHTTPExportClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status   int
		wantType ErrorType
	}{
		{status: 500, wantType: ErrorTypeServerError},
		{status: 429, wantType: ErrorTypeRateLimit},
		{status: 401, wantType: ErrorTypeAuth},
		{status: 400, wantType: ErrorTypeClientError},
	}

	for _, tt := range tests {
		backend := &otlpHTTPServer{status: tt.status}
		srv := httptest.NewServer(backend)

		exp := newHTTPTestExporter(t, srv, Config{})
		err := exp.Export(context.Background(), testBatch(exp, 1))
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var exportErr *ExportError
		if !errors.As(err, &exportErr) {
			t.Fatalf("status %d: expected ExportError, got %T", tt.status, err)
		}
		if exportErr.Type != tt.wantType {
			t.Fatalf("status %d: expected type %s, got %s", tt.status, tt.wantType, exportErr.Type)
		}
		if exportErr.StatusCode != tt.status {
			t.Fatalf("status %d: got status code %d", tt.status, exportErr.StatusCode)
		}

		exp.Shutdown(context.Background())
		srv.Close()
	}
}

func TestExportAfterShutdownFails(t *testing.T) {
	backend := &otlpHTTPServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	exp := newHTTPTestExporter(t, srv, Config{})
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := exp.Export(context.Background(), testBatch(exp, 1)); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	// Idempotent.
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeat Shutdown failed: %v", err)
	}
}

func TestExportAsyncInvokesCallbackOnce(t *testing.T) {
	backend := &otlpHTTPServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	exp := newHTTPTestExporter(t, srv, Config{})
	defer exp.Shutdown(context.Background())

	results := make(chan error, 2)
	exp.ExportAsync(testBatch(exp, 2), func(err error) {
		results <- err
	})

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("async export failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async callback never invoked")
	}
	select {
	case <-results:
		t.Fatal("async callback invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyBatchSkipsRequest(t *testing.T) {
	backend := &otlpHTTPServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	exp := newHTTPTestExporter(t, srv, Config{})
	defer exp.Shutdown(context.Background())

	if err := exp.Export(context.Background(), nil); err != nil {
		t.Fatalf("Export of empty batch failed: %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.requests) != 0 {
		t.Fatalf("empty batch must not hit the wire, got %d requests", len(backend.requests))
	}
}

func TestClassifyGRPCError(t *testing.T) {
	tests := []struct {
		code codes.Code
		want ErrorType
	}{
		{codes.DeadlineExceeded, ErrorTypeTimeout},
		{codes.Unavailable, ErrorTypeNetwork},
		{codes.Unauthenticated, ErrorTypeAuth},
		{codes.PermissionDenied, ErrorTypeAuth},
		{codes.ResourceExhausted, ErrorTypeRateLimit},
		{codes.InvalidArgument, ErrorTypeClientError},
		{codes.Internal, ErrorTypeServerError},
	}
	for _, tt := range tests {
		err := status.Error(tt.code, "boom")
		if got := classifyGRPCError(err); got != tt.want {
			t.Errorf("code %s: expected %s, got %s", tt.code, tt.want, got)
		}
	}
}

func TestExportErrorRetryable(t *testing.T) {
	retryable := &ExportError{Type: ErrorTypeServerError}
	if !retryable.IsRetryable() {
		t.Fatal("server errors must be retryable")
	}
	permanent := &ExportError{Type: ErrorTypeClientError}
	if permanent.IsRetryable() {
		t.Fatal("client errors must not be retryable")
	}
}

func authConfig(token string, headers map[string]string) auth.ClientConfig {
	return auth.ClientConfig{BearerToken: token, Headers: headers}
}
