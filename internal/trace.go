package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "clientsync"

// Span is an OTLP span paired with either a runtime/trace task or region, so the same unit of work
// shows up in `go tool trace` and in the collector.
type Span struct {
	task   *trace.Task
	region *trace.Region
	otlp   otrace.Span
}

func (s *Span) End() {
	if s.task != nil {
		s.task.End()
	}
	if s.region != nil {
		s.region.End()
	}
	s.otlp.End()
}

// StartTask starts a top level unit of work: one poll, one ingested chunk, one backfill job.
func StartTask(ctx context.Context, name string) (context.Context, *Span) {
	ctx, task := trace.NewTask(ctx, name)
	ctx, ospan := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Span{task: task, otlp: ospan}
}

// StartSpan starts a step inside a task.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	ctx, ospan := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Span{region: region, otlp: ospan}
}

// Logf records a message against the current task and span.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	trace.Logf(ctx, category, format, args...)
	otrace.SpanFromContext(ctx).AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

// SetSpanRoom tags the span in ctx with the room being worked on.
func SetSpanRoom(ctx context.Context, roomID string) {
	otrace.SpanFromContext(ctx).SetAttributes(attribute.String("room_id", roomID))
}

type OTLPConfig struct {
	// Base URL of the collector's HTTP endpoint, without a path.
	URL      string
	Username string
	Password string
	Version  string
}

// otlpEndpoint splits the collector URL into the host to export to and whether to use plain HTTP.
func otlpEndpoint(rawURL string) (host string, insecure bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("OTLP URL %s has no host", rawURL)
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, fmt.Errorf("OTLP URL %s cannot contain any path segments", rawURL)
	}
	switch u.Scheme {
	case "http":
		// e.g testing and development
		return u.Host, true, nil
	case "https":
		return u.Host, false, nil
	}
	return "", false, fmt.Errorf("OTLP URL %s must be http or https", rawURL)
}

// ConfigureOTLP installs a global tracer provider exporting to cfg.URL. The returned func flushes
// buffered spans and must be called before exiting.
func ConfigureOTLP(cfg OTLPConfig) (shutdown func(context.Context) error, err error) {
	host, insecure, err := otlpEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(host),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.Username != "" && cfg.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + creds,
		}))
	}
	logger.Info().Str("host", host).Bool("insecure", insecure).Msg("configuring OTLP")
	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracerName),
			semconv.ServiceVersion(cfg.Version),
		)),
	)
	otel.SetTracerProvider(tp)
	// traceparent, uber-trace-id and baggage all pass through
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	return tp.Shutdown, nil
}
