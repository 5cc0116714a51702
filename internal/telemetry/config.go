// Package telemetry provides OpenTelemetry metrics and tracing for the forwarder.
// Metrics are either pulled by Prometheus from /metrics or pushed to an OTLP collector.
// Traces, when enabled, are always pushed over OTLP.
package telemetry

import (
	"fmt"
	"strings"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "misp-forwarder"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSamplingRatio samples every trace
	DefaultSamplingRatio = 1.0
)

// Exporter selects where metrics go
type Exporter string

const (
	// ExporterPrometheus exposes metrics on the status server's /metrics route
	ExporterPrometheus Exporter = "prometheus"
	// ExporterOTLP pushes metrics to an OTLP HTTP collector
	ExporterOTLP Exporter = "otlp"
	// ExporterNone disables metrics
	ExporterNone Exporter = "none"
)

// ParseExporter parses an exporter name, case-insensitively
func ParseExporter(s string) (Exporter, error) {
	switch e := Exporter(strings.ToLower(strings.TrimSpace(s))); e {
	case ExporterPrometheus, ExporterOTLP, ExporterNone:
		return e, nil
	case "":
		return ExporterNone, nil
	default:
		return "", fmt.Errorf("unknown metrics exporter %q (want prometheus, otlp or none)", s)
	}
}

// Config represents the telemetry configuration
type Config struct {
	// Exporter selects the metrics backend. Empty means none.
	Exporter Exporter

	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP collector endpoint ("host:port"), only used by ExporterOTLP
	Endpoint string

	// Insecure allows plain HTTP to the collector
	Insecure bool

	// Tracing enables OTLP trace export to Endpoint
	Tracing bool

	// SamplingRatio is the fraction of traces sampled, DefaultSamplingRatio when zero
	SamplingRatio float64
}

// Enabled reports whether any exporter is configured
func (c *Config) Enabled() bool {
	return c != nil && c.Exporter != "" && c.Exporter != ExporterNone
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetSamplingRatio returns the sampling ratio, using the default if not specified
func (c *Config) GetSamplingRatio() float64 {
	if c.SamplingRatio == 0 {
		return DefaultSamplingRatio
	}
	return c.SamplingRatio
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if _, err := ParseExporter(string(c.Exporter)); err != nil {
		return err
	}
	if (c.Exporter == ExporterOTLP || c.Tracing) && strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("otlp endpoint must be host:port, got %q", c.Endpoint)
	}
	if c.SamplingRatio < 0 || c.SamplingRatio > 1 {
		return fmt.Errorf("sampling ratio must be between 0 and 1, got %v", c.SamplingRatio)
	}
	return nil
}
