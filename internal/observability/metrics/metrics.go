package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes reconciliation instruments exported over OTLP.
type Metrics struct {
	usageSynced     metric.Int64Counter
	usageFailed     metric.Int64Counter
	ledgerEntries   metric.Int64Counter
	discrepancies   metric.Int64Counter
	gatewayRequests metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the reconciliation metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditsync"
	}
	meter := provider.Meter(name)

	usageSynced, err := meter.Int64Counter("creditsync_usage_records_synced_total")
	if err != nil {
		return nil, err
	}
	usageFailed, err := meter.Int64Counter("creditsync_usage_records_failed_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("creditsync_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	discrepancies, err := meter.Int64Counter("creditsync_balance_discrepancies_total")
	if err != nil {
		return nil, err
	}
	gatewayRequests, err := meter.Int64Counter("creditsync_cache_gateway_requests_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageSynced:     usageSynced,
		usageFailed:     usageFailed,
		ledgerEntries:   ledgerEntries,
		discrepancies:   discrepancies,
		gatewayRequests: gatewayRequests,
	}, nil
}

// RecordUsageSynced counts usage rows persisted and rows that failed.
func (m *Metrics) RecordUsageSynced(ctx context.Context, synced, failed int) {
	if m == nil {
		return
	}
	if synced > 0 {
		m.usageSynced.Add(ctx, int64(synced))
	}
	if failed > 0 {
		m.usageFailed.Add(ctx, int64(failed))
	}
}

// RecordLedgerEntry increments ledger entry counts by entry type.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_type", strings.TrimSpace(entryType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDiscrepancy counts a detected or repaired balance mismatch.
func (m *Metrics) RecordDiscrepancy(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.discrepancies.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayRequest counts cache gateway calls by operation and status code.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, operation string, statusCode int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.Int("status_code", statusCode),
	)
	m.gatewayRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"status_code": {},
	"entry_type":  {},
	"outcome":     {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
