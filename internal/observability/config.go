package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/creditsync/internal/config"
)

// Config holds observability configuration derived from environment variables.
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

// LoadConfig layers OTEL_* and LOG_* overrides on top of the app config.
// Export is off unless OTEL_ENABLED is set; sync runs are short-lived and
// usually run where no collector is reachable.
func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName:          firstNonEmpty(cfg.AppName, "creditsync"),
		Environment:          firstNonEmpty(os.Getenv("DEPLOYMENT_ENV"), cfg.Environment),
		Version:              firstNonEmpty(os.Getenv("SERVICE_VERSION"), cfg.AppVersion),
		LogLevel:             strings.ToLower(firstNonEmpty(os.Getenv("LOG_LEVEL"), "info")),
		LogFormat:            strings.ToLower(firstNonEmpty(os.Getenv("LOG_FORMAT"), "json")),
		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(firstNonEmpty(
			os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"),
			os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
			"grpc",
		)),
		OtelSamplingRatio: 0.1,
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_SAMPLING_RATIO")); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio >= 0 && ratio <= 1 {
			out.OtelSamplingRatio = ratio
		}
	}
	return out
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
