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

// Metrics exposes application-level instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requestsCreated metric.Int64Counter
	paymentEvents   metric.Int64Counter
	ledgerMutations metric.Int64Counter
	dispatches      metric.Int64Counter
	taskTransitions metric.Int64Counter
	fanoutApplied   metric.Int64Counter
	compensations   metric.Int64Counter
	rateLimited     metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "melodia"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.requestsCreated, "melodia_generation_requests_total"},
		{&m.paymentEvents, "melodia_payment_events_total"},
		{&m.ledgerMutations, "melodia_ledger_mutations_total"},
		{&m.dispatches, "melodia_dispatch_total"},
		{&m.taskTransitions, "melodia_task_transitions_total"},
		{&m.fanoutApplied, "melodia_fanout_applied_total"},
		{&m.compensations, "melodia_compensations_total"},
		{&m.rateLimited, "melodia_rate_limited_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

// RecordRequestCreated counts new generation requests by payment path.
func (m *Metrics) RecordRequestCreated(ctx context.Context, paymentType, paymentStatus string) {
	if m == nil {
		return
	}
	m.add(ctx, m.requestsCreated,
		attribute.String("payment_type", paymentType),
		attribute.String("payment_status", paymentStatus),
	)
}

func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.paymentEvents,
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
}

func (m *Metrics) RecordLedgerMutation(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.ledgerMutations, attribute.String("source_type", sourceType))
}

// RecordDispatch counts dispatch attempts by outcome (ok, retryable, terminal).
func (m *Metrics) RecordDispatch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.dispatches, attribute.String("outcome", outcome))
}

func (m *Metrics) RecordTaskTransition(ctx context.Context, status, source string) {
	if m == nil {
		return
	}
	m.add(ctx, m.taskTransitions,
		attribute.String("status", status),
		attribute.String("source", source),
	)
}

// RecordFanout counts fan-out invocations; applied=false marks duplicates and anomalies.
func (m *Metrics) RecordFanout(ctx context.Context, applied bool) {
	if m == nil {
		return
	}
	m.add(ctx, m.fanoutApplied, attribute.Bool("applied", applied))
}

func (m *Metrics) RecordCompensation(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.compensations, attribute.String("reason", reason))
}

func (m *Metrics) RecordRateLimited(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.add(ctx, m.rateLimited, attribute.String("endpoint", endpoint))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"endpoint":       {},
	"provider":       {},
	"event_type":     {},
	"source_type":    {},
	"reason":         {},
	"outcome":        {},
	"status":         {},
	"source":         {},
	"applied":        {},
	"payment_type":   {},
	"payment_status": {},
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
