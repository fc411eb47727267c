package observability

import (
	"strings"

	"github.com/smallbiznis/declara/internal/config"
)

const defaultServiceName = "declara"

// Config is the observability view of the service configuration.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig normalizes the telemetry settings. Unknown log formats fall
// back to json, unknown protocols to grpc, and the sampling ratio is kept
// within [0, 1].
func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             normalizeLevel(t.LogLevel),
		LogFormat:            oneOf(t.LogFormat, "json", "json", "console"),
		OtelEnabled:          t.OtelEnabled && strings.TrimSpace(t.OTLPEndpoint) != "",
		OtelExporterEndpoint: strings.TrimSpace(t.OTLPEndpoint),
		OtelExporterProtocol: normalizeProtocol(t.OTLPProtocol),
		OtelSamplingRatio:    clampRatio(t.SamplingRatio),
	}
}

// Debug turns on verbose request logs and stack traces. Batch runs in
// development environments always get them.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func normalizeLevel(level string) string {
	return oneOf(level, "info", "debug", "info", "warn", "error")
}

func normalizeProtocol(protocol string) string {
	protocol = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(protocol)), "/protobuf")
	return oneOf(protocol, "grpc", "grpc", "http")
}

func oneOf(value, def string, allowed ...string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if value == a {
			return value
		}
	}
	return def
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
