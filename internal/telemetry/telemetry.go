// Package telemetry exposes the OpenTelemetry counters used across
// agentlens. Instruments come from the global meter provider, so they are
// no-ops until Setup installs an exporter.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	serviceName = "agentlens"
	meterName   = "github.com/felixgeelhaar/agentlens"
)

// Config selects the OTLP collector.
type Config struct {
	Enabled  bool
	Endpoint string
	Insecure bool
	Version  string
}

type counters struct {
	captureRequests    metric.Int64Counter
	captureChunks      metric.Int64Counter
	captureIncomplete  metric.Int64Counter
	captureDecodeError metric.Int64Counter
	ingestInteractions metric.Int64Counter
	ingestSpooled      metric.Int64Counter
	correlationErrors  metric.Int64Counter
}

var (
	once sync.Once
	c    counters
)

func instruments() *counters {
	once.Do(func() {
		meter := otel.Meter(meterName)
		c.captureRequests = counter(meter, "agentlens_capture_requests_total", "Model calls observed by capture", "{request}")
		c.captureChunks = counter(meter, "agentlens_capture_chunks_total", "Response body chunks observed", "{chunk}")
		c.captureIncomplete = counter(meter, "agentlens_capture_incomplete_total", "Responses that never completed", "{response}")
		c.captureDecodeError = counter(meter, "agentlens_capture_decode_errors_total", "Bodies stored with a decode error", "{body}")
		c.ingestInteractions = counter(meter, "agentlens_ingest_interactions_total", "Interactions persisted", "{interaction}")
		c.ingestSpooled = counter(meter, "agentlens_ingest_spooled_total", "Envelopes spooled after persistence failure", "{envelope}")
		c.correlationErrors = counter(meter, "agentlens_correlation_errors_total", "Correlation anomalies resolved during import", "{error}")
	})
	return &c
}

func counter(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
	ctr, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		otel.Handle(fmt.Errorf("create counter %s: %w", name, err))
	}
	return ctr
}

func add(ctx context.Context, ctr metric.Int64Counter, attrs ...attribute.KeyValue) {
	if ctr == nil {
		return
	}
	if len(attrs) == 0 {
		ctr.Add(ctx, 1)
		return
	}
	ctr.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// CaptureRequests counts one observed request.
func CaptureRequests(ctx context.Context) { add(ctx, instruments().captureRequests) }

// CaptureChunks counts one response chunk.
func CaptureChunks(ctx context.Context) { add(ctx, instruments().captureChunks) }

// CaptureIncomplete counts one response that never completed.
func CaptureIncomplete(ctx context.Context) { add(ctx, instruments().captureIncomplete) }

// DecodeError counts one body stored with a decode error marker.
func DecodeError(ctx context.Context, reason string) {
	add(ctx, instruments().captureDecodeError, attribute.String("reason", reason))
}

// IngestInteraction counts one persisted interaction.
func IngestInteraction(ctx context.Context, provider, kind string) {
	add(ctx, instruments().ingestInteractions, attribute.String("provider", provider), attribute.String("type", kind))
}

// IngestSpooled counts one spooled envelope.
func IngestSpooled(ctx context.Context) { add(ctx, instruments().ingestSpooled) }

// CorrelationError counts one correlation anomaly by kind.
func CorrelationError(ctx context.Context, kind string) {
	add(ctx, instruments().correlationErrors, attribute.String("kind", kind))
}

// Setup installs an OTLP gRPC meter provider. The returned function
// flushes and shuts it down. When telemetry is disabled Setup is a no-op.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}
	if cfg.Endpoint == "" {
		return noop, fmt.Errorf("telemetry enabled without an endpoint")
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create OTLP exporter: %w", err)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return noop, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
