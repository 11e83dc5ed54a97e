// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrEndpointRequired is returned when telemetry is enabled without an OTLP
// endpoint.
var ErrEndpointRequired = errors.New("OTLP endpoint is required when telemetry is enabled")

// Config holds the OTLP export settings for agent self-metrics.
type Config struct {
	Endpoint string
	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration

	// Interval between metric exports.
	Interval time.Duration

	ServiceName    string
	ServiceVersion string
}

// DefaultConfig returns the baseline telemetry configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4317",
		Headers:     make(map[string]string),
		Timeout:     30 * time.Second,
		Interval:    60 * time.Second,
		ServiceName: "nodeguarder-agent",
	}
}

// ApplyEnvironmentVariables overlays standard OTEL_* environment variables,
// following the OpenTelemetry specification for names and precedence.
func (c *Config) ApplyEnvironmentVariables() {
	if endpoint := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}
	if insecure := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"); insecure != "" {
		if parsed, err := strconv.ParseBool(insecure); err == nil {
			c.Insecure = parsed
		}
	}
	if headers := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS"); headers != "" {
		c.Headers = parseHeaders(headers)
	}
	if timeout := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_TIMEOUT", "OTEL_EXPORTER_OTLP_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			c.Timeout = duration
		}
	}
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		c.ServiceName = name
	}
	if version := os.Getenv("OTEL_SERVICE_VERSION"); version != "" {
		c.ServiceVersion = version
	}
}

// Validate checks required fields and normalizes zero values.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointRequired
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = "nodeguarder-agent"
	}
	return nil
}

func getEnvVar(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// parseHeaders parses comma-separated key=value pairs into a map.
func parseHeaders(headers string) map[string]string {
	result := make(map[string]string)
	for _, pair := range strings.Split(headers, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && strings.TrimSpace(parts[0]) != "" {
			result[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return result
}
