package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig selects whether and where spans are exported.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	SampleRate     float64
}

// TracingManager installs the process tracer provider. Packages start spans
// through otel.Tracer and only reach an exporter once it is installed.
type TracingManager struct {
	logger   *zap.SugaredLogger
	tracer   oteltrace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracingManager exports spans over OTLP/HTTP when cfg.Enabled; otherwise
// the global no-op provider stays in place.
func NewTracingManager(ctx context.Context, logger *zap.SugaredLogger, cfg TracingConfig) (*TracingManager, error) {
	tm := &TracingManager{logger: logger, tracer: otel.Tracer(cfg.ServiceName)}
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return tm, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tm.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	tm.tracer = tm.provider.Tracer(cfg.ServiceName)

	logger.Infow("tracing enabled", "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return tm, nil
}

// IsEnabled reports whether spans are exported.
func (tm *TracingManager) IsEnabled() bool {
	return tm.provider != nil
}

// Close flushes pending spans.
func (tm *TracingManager) Close(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// HTTPMiddleware starts a server span per request, continuing a trace
// propagated by the caller. The span is renamed to the matched route once
// the handler has run.
func (tm *TracingManager) HTTPMiddleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	if tm.provider == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tm.tracer.Start(ctx, r.Method,
				oteltrace.WithSpanKind(oteltrace.SpanKindServer),
				oteltrace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
				),
			)
			defer span.End()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			if routePattern != nil {
				if p := routePattern(r); p != "" {
					span.SetName(r.Method + " " + p)
					span.SetAttributes(semconv.HTTPRouteKey.String(p))
				}
			}
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(rw.statusCode))
			if rw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}
		})
	}
}
