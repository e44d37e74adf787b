// Package tracing настраивает OpenTelemetry с экспортом в Jaeger по OTLP gRPC.
//
// HTTP запросы получают span от otelgin, Payment Service продолжает трассу
// Order Service по заголовку traceparent. Фоновая работа (тики планировщиков,
// обработка событий из Kafka) открывает свои корневые span через Start.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"example.com/order-payment/pkg/logger"
)

const instrumentation = "example.com/order-payment"

type Config struct {
	ServiceName    string
	JaegerEndpoint string // host:port OTLP gRPC
	Environment    string
	Enabled        bool
	// SampleRatio - доля корневых трасс. 0 означает 1.0 вне production и 0.1 в production.
	SampleRatio float64
}

// ShutdownFunc сбрасывает незавершённые span и закрывает соединение с коллектором.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracer регистрирует глобальный TracerProvider и propagator.
// С выключенным tracing глобальный provider остаётся no-op, Start продолжает работать.
func InitTracer(cfg Config) (ShutdownFunc, error) {
	log := logger.Component("tracing")

	if !cfg.Enabled || cfg.JaegerEndpoint == "" {
		log.Info().Msg("Tracing отключен")
		return noopShutdown, nil
	}

	env := cfg.Environment
	if env == "" {
		env = "development"
	}

	conn, err := grpc.NewClient(cfg.JaegerEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("подключение к коллектору %s: %w", cfg.JaegerEndpoint, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("создание OTLP exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironmentName(env),
	))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("описание ресурса: %w", err)
	}

	ratio := sampleRatio(cfg.SampleRatio, env)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.JaegerEndpoint).
		Str("environment", env).
		Float64("sample_ratio", ratio).
		Msg("Tracing инициализирован")

	return func(ctx context.Context) error {
		shutdownErr := tp.Shutdown(ctx)
		if err := conn.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		return shutdownErr
	}, nil
}

func sampleRatio(configured float64, env string) float64 {
	switch {
	case configured > 0 && configured <= 1:
		return configured
	case env == "production":
		return 0.1
	default:
		return 1
	}
}

// Start открывает span фоновой операции. end записывает ошибку в span и закрывает его.
//
//	ctx, end := tracing.Start(ctx, "reconcile.tick")
//	defer func() { end(err) }()
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(instrumentation).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
