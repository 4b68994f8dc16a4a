// Package config loads the traces-governor YAML configuration and
// turns it into processor and exporter settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szibis/traces-governor/internal/auth"
	"github.com/szibis/traces-governor/internal/compression"
	"github.com/szibis/traces-governor/internal/exporter"
	"github.com/szibis/traces-governor/internal/processor"
	tlspkg "github.com/szibis/traces-governor/internal/tls"
)

// Config is the root YAML configuration.
type Config struct {
	Processor ProcessorConfig   `yaml:"processor"`
	Exporter  ExporterConfig    `yaml:"exporter"`
	Resource  map[string]string `yaml:"resource"`
}

// ProcessorConfig holds batching span processor settings.
type ProcessorConfig struct {
	// MaxQueueSize is the span queue capacity.
	MaxQueueSize int `yaml:"max_queue_size"`
	// ScheduleDelay is the maximum time between export cycles.
	ScheduleDelay Duration `yaml:"schedule_delay"`
	// MaxExportBatchSize is the upper bound of spans per export call.
	MaxExportBatchSize int `yaml:"max_export_batch_size"`
	// AsyncExport enables the bounded-concurrency async export path.
	AsyncExport bool `yaml:"async_export"`
	// MaxInFlightExports bounds concurrent async exports.
	MaxInFlightExports int `yaml:"max_in_flight_exports"`
}

// ExporterConfig holds OTLP exporter settings.
type ExporterConfig struct {
	Endpoint    string               `yaml:"endpoint"`
	Protocol    string               `yaml:"protocol"`
	Insecure    bool                 `yaml:"insecure"`
	Timeout     Duration             `yaml:"timeout"`
	ServiceName string               `yaml:"service_name"`
	Compression string               `yaml:"compression"`
	TLS         TLSClientYAMLConfig  `yaml:"tls"`
	Auth        AuthClientYAMLConfig `yaml:"auth"`
	HTTPClient  HTTPClientYAMLConfig `yaml:"http_client"`
}

// TLSClientYAMLConfig holds client TLS settings.
type TLSClientYAMLConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name"`
}

// AuthClientYAMLConfig holds client authentication settings.
type AuthClientYAMLConfig struct {
	BearerToken   string            `yaml:"bearer_token"`
	BasicUsername string            `yaml:"basic_username"`
	BasicPassword string            `yaml:"basic_password"`
	Headers       map[string]string `yaml:"headers"`
}

// HTTPClientYAMLConfig holds HTTP connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	DisableKeepAlives    bool     `yaml:"disable_keep_alives"`
	ForceAttemptHTTP2    bool     `yaml:"force_attempt_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// Duration is a wrapper for time.Duration that supports YAML
// unmarshaling from strings like "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load reads and parses a YAML configuration file, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Processor.MaxQueueSize == 0 {
		c.Processor.MaxQueueSize = processor.DefaultMaxQueueSize
	}
	if c.Processor.ScheduleDelay == 0 {
		c.Processor.ScheduleDelay = Duration(processor.DefaultScheduleDelay)
	}
	if c.Processor.MaxExportBatchSize == 0 {
		c.Processor.MaxExportBatchSize = processor.DefaultMaxExportBatchSize
	}
	if c.Processor.MaxInFlightExports == 0 {
		c.Processor.MaxInFlightExports = processor.DefaultMaxInFlightExports
	}
	if c.Exporter.Protocol == "" {
		c.Exporter.Protocol = string(exporter.ProtocolGRPC)
	}
	if c.Exporter.Timeout == 0 {
		c.Exporter.Timeout = Duration(10 * time.Second)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Processor.MaxQueueSize < 0 {
		return fmt.Errorf("processor.max_queue_size must not be negative")
	}
	if c.Processor.MaxExportBatchSize < 0 {
		return fmt.Errorf("processor.max_export_batch_size must not be negative")
	}
	if c.Processor.MaxExportBatchSize > c.Processor.MaxQueueSize {
		return fmt.Errorf("processor.max_export_batch_size (%d) must not exceed processor.max_queue_size (%d)",
			c.Processor.MaxExportBatchSize, c.Processor.MaxQueueSize)
	}
	if c.Processor.MaxInFlightExports < 0 {
		return fmt.Errorf("processor.max_in_flight_exports must not be negative")
	}
	switch exporter.Protocol(c.Exporter.Protocol) {
	case exporter.ProtocolGRPC, exporter.ProtocolHTTP:
	default:
		return fmt.Errorf("exporter.protocol must be %q or %q, got %q",
			exporter.ProtocolGRPC, exporter.ProtocolHTTP, c.Exporter.Protocol)
	}
	if _, err := compression.ParseType(c.Exporter.Compression); err != nil {
		return fmt.Errorf("exporter.compression: %w", err)
	}
	return nil
}

// ProcessorOptions converts the processor section into processor
// options.
func (c *Config) ProcessorOptions() processor.Options {
	return processor.Options{
		MaxQueueSize:       c.Processor.MaxQueueSize,
		ScheduleDelay:      time.Duration(c.Processor.ScheduleDelay),
		MaxExportBatchSize: c.Processor.MaxExportBatchSize,
		AsyncExport:        c.Processor.AsyncExport,
		MaxInFlightExports: c.Processor.MaxInFlightExports,
	}
}

// ExporterConfig converts the exporter section into the exporter's
// configuration.
func (c *Config) ExporterConfig() exporter.Config {
	compressionType, _ := compression.ParseType(c.Exporter.Compression)
	return exporter.Config{
		Endpoint:    c.Exporter.Endpoint,
		Protocol:    exporter.Protocol(c.Exporter.Protocol),
		Insecure:    c.Exporter.Insecure,
		Timeout:     time.Duration(c.Exporter.Timeout),
		ServiceName: c.Exporter.ServiceName,
		Compression: compression.Config{Type: compressionType},
		TLS: tlspkg.ClientConfig{
			Enabled:            c.Exporter.TLS.Enabled,
			CertFile:           c.Exporter.TLS.CertFile,
			KeyFile:            c.Exporter.TLS.KeyFile,
			CAFile:             c.Exporter.TLS.CAFile,
			InsecureSkipVerify: c.Exporter.TLS.InsecureSkipVerify,
			ServerName:         c.Exporter.TLS.ServerName,
		},
		Auth: auth.ClientConfig{
			BearerToken:       c.Exporter.Auth.BearerToken,
			BasicAuthUsername: c.Exporter.Auth.BasicUsername,
			BasicAuthPassword: c.Exporter.Auth.BasicPassword,
			Headers:           c.Exporter.Auth.Headers,
		},
		HTTPClient: exporter.HTTPClientConfig{
			MaxIdleConns:         c.Exporter.HTTPClient.MaxIdleConns,
			MaxIdleConnsPerHost:  c.Exporter.HTTPClient.MaxIdleConnsPerHost,
			MaxConnsPerHost:      c.Exporter.HTTPClient.MaxConnsPerHost,
			IdleConnTimeout:      time.Duration(c.Exporter.HTTPClient.IdleConnTimeout),
			DisableKeepAlives:    c.Exporter.HTTPClient.DisableKeepAlives,
			ForceAttemptHTTP2:    c.Exporter.HTTPClient.ForceAttemptHTTP2,
			HTTP2ReadIdleTimeout: time.Duration(c.Exporter.HTTPClient.HTTP2ReadIdleTimeout),
			HTTP2PingTimeout:     time.Duration(c.Exporter.HTTPClient.HTTP2PingTimeout),
		},
	}
}
