// Package telemetry sets up OpenTelemetry tracing for completions, provider
// calls and title jobs.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	ProviderKey  = attribute.Key("llm.provider")
	ModelKey     = attribute.Key("llm.model")
	RequestIDKey = attribute.Key("request.id")
	ThreadIDKey  = attribute.Key("thread.id")
	MessageIDKey = attribute.Key("message.id")
	IsTitleKey   = attribute.Key("chat.is_title")
	CacheHitKey  = attribute.Key("cache.hit")
)

type Config struct {
	ServiceName string
	Version     string
	// Endpoint is an OTLP gRPC collector address. Empty disables export.
	Endpoint string
	// SampleRatio applies to root spans; child spans follow their parent.
	SampleRatio float64
}

var tracer = otel.Tracer("chat-gateway")

// Init installs the global tracer provider and returns its shutdown func.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	tracer = otel.Tracer(cfg.ServiceName)
	if cfg.Endpoint == "" {
		slog.Info("tracing export disabled, OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(cfg.ServiceName)

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}

// AddRequestAttributes tags a span with whichever of provider, model and
// request id are known; empty values are left off.
func AddRequestAttributes(span trace.Span, provider, model, requestID string) {
	attrs := make([]attribute.KeyValue, 0, 3)
	if provider != "" {
		attrs = append(attrs, ProviderKey.String(provider))
	}
	if model != "" {
		attrs = append(attrs, ModelKey.String(model))
	}
	if requestID != "" {
		attrs = append(attrs, RequestIDKey.String(requestID))
	}
	span.SetAttributes(attrs...)
}

func AddThreadAttributes(span trace.Span, threadID, messageID string, isTitle bool) {
	span.SetAttributes(IsTitleKey.Bool(isTitle))
	if threadID != "" {
		span.SetAttributes(ThreadIDKey.String(threadID))
	}
	if messageID != "" {
		span.SetAttributes(MessageIDKey.String(messageID))
	}
}

func MarkCache(span trace.Span, hit bool) {
	span.SetAttributes(CacheHitKey.Bool(hit))
}

// RecordError records err as a span event and marks the span failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the current trace id, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
