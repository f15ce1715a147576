package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/skillflow/internal/config"
)

const (
	tracerName          = "github.com/pitabwire/skillflow"
	defaultSamplingRate = 0.1
)

// Span attributes attached to runs and steps.
var (
	AttrWorkflowID  = attribute.Key("skillflow.workflow_id")
	AttrExecutionID = attribute.Key("skillflow.execution_id")
	AttrStepID      = attribute.Key("skillflow.step_id")
	AttrSkillID     = attribute.Key("skillflow.skill_id")
	AttrStage       = attribute.Key("skillflow.stage")
	AttrAttempt     = attribute.Key("skillflow.attempt")
	AttrKeyMode     = attribute.Key("skillflow.key_mode")
)

// InitTracing installs a global TracerProvider and W3C propagator. The
// returned function flushes and stops the exporter.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := newTracerProvider(cfg, exporter, res)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newTracerProvider samples root spans at cfg.SamplingRate. With
// ForceSampleErrors, spans the ratio would drop are still recorded and the
// ones that end with an error status are exported, so failed steps stay
// visible at low sampling rates.
func newTracerProvider(cfg config.TracingConfig, exporter sdktrace.SpanExporter, res *resource.Resource) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(newSampler(cfg)),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	if cfg.ForceSampleErrors {
		opts = append(opts, sdktrace.WithSpanProcessor(&failedSpanProcessor{exporter: exporter}))
	}
	return sdktrace.NewTracerProvider(opts...)
}

func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate > 1:
		rate = 1
	}

	root := sdktrace.AlwaysSample()
	if rate < 1 {
		root = sdktrace.TraceIDRatioBased(rate)
	}
	sampler := sdktrace.ParentBased(root)
	if cfg.ForceSampleErrors {
		return recordDroppedSampler{delegate: sampler}
	}
	return sampler
}

// recordDroppedSampler turns Drop decisions into RecordOnly so the span's
// final status can still be inspected by failedSpanProcessor.
type recordDroppedSampler struct {
	delegate sdktrace.Sampler
}

func (s recordDroppedSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	res := s.delegate.ShouldSample(p)
	if res.Decision == sdktrace.Drop {
		res.Decision = sdktrace.RecordOnly
	}
	return res
}

func (s recordDroppedSampler) Description() string {
	return "RecordDropped{" + s.delegate.Description() + "}"
}

// failedSpanProcessor exports unsampled spans that ended with an error.
// Sampled spans reach the exporter through the batcher.
type failedSpanProcessor struct {
	exporter sdktrace.SpanExporter
}

func (p *failedSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *failedSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.SpanContext().IsSampled() || s.Status().Code != codes.Error {
		return
	}
	_ = p.exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{s})
}

func (p *failedSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *failedSpanProcessor) ForceFlush(context.Context) error { return nil }

// Tracer returns the skillflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "" outside a span.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectTraceHeaders writes the trace context of ctx into headers of an
// outbound skill call.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// TracingMiddleware continues an inbound W3C trace, or starts one, with a
// server span per request. When chi routed the request the span is named
// after the route pattern rather than the raw path.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
