// Package auth attaches client credentials to exporter requests.
package auth

import (
	"context"
	"encoding/base64"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// ClientConfig holds authentication configuration for the exporter.
type ClientConfig struct {
	// BearerToken is the bearer token to send with requests.
	BearerToken string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string
}

// Enabled reports whether any credential or custom header is configured.
func (c ClientConfig) Enabled() bool {
	return c.BearerToken != "" || c.BasicAuthUsername != "" || len(c.Headers) > 0
}

// basicAuthEncoded returns the base64-encoded basic auth credentials.
func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// authorizationValue returns the Authorization header value, or "" when
// no credential is configured.
func (c ClientConfig) authorizationValue() string {
	if c.BearerToken != "" {
		return "Bearer " + c.BearerToken
	}
	if c.BasicAuthUsername != "" {
		return "Basic " + basicAuthEncoded(c.BasicAuthUsername, c.BasicAuthPassword)
	}
	return ""
}

// GRPCClientInterceptor returns a unary interceptor that attaches the
// configured credentials to outgoing gRPC metadata.
func GRPCClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		pairs := make([]string, 0, 2+2*len(cfg.Headers))
		if v := cfg.authorizationValue(); v != "" {
			pairs = append(pairs, "authorization", v)
		}
		for k, v := range cfg.Headers {
			pairs = append(pairs, k, v)
		}
		if len(pairs) > 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, pairs...)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// authTransport decorates an http.RoundTripper with credentials.
type authTransport struct {
	cfg  ClientConfig
	next http.RoundTripper
}

// HTTPTransport wraps next so every request carries the configured
// credentials and custom headers.
func HTTPTransport(cfg ClientConfig, next http.RoundTripper) http.RoundTripper {
	return &authTransport{cfg: cfg, next: next}
}

// RoundTrip implements http.RoundTripper.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if v := t.cfg.authorizationValue(); v != "" {
		req.Header.Set("Authorization", v)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	return t.next.RoundTrip(req)
}
