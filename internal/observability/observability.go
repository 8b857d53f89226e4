// Package observability wires distributed tracing and metrics,
// adapted from the teacher's internal/observability/tracing.go and
// metrics.go: an OTLP-over-HTTP trace exporter plus a Prometheus
// registry exposed over promhttp, with an in-memory ring-buffer span
// recorder so GET /observability/traces has something to return
// without a real collector attached in dev/test.
package observability

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// RecordedSpan is a minimal, JSON-friendly projection of a finished
// span, kept for the in-process fallback trace viewer.
type RecordedSpan struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// spanRecorder is a bounded ring buffer fed by a custom
// sdktrace.SpanProcessor, mirroring the teacher's in-process fallback
// for local runs without a collector.
type spanRecorder struct {
	mu   sync.Mutex
	ring *ring.Ring
}

func newSpanRecorder(capacity int) *spanRecorder {
	return &spanRecorder{ring: ring.New(capacity)}
}

func (r *spanRecorder) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (r *spanRecorder) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := make(map[string]string, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	rec := RecordedSpan{
		TraceID:    s.SpanContext().TraceID().String(),
		SpanID:     s.SpanContext().SpanID().String(),
		Name:       s.Name(),
		StartTime:  s.StartTime(),
		EndTime:    s.EndTime(),
		Attributes: attrs,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring.Value = rec
	r.ring = r.ring.Next()
}

func (r *spanRecorder) Recent() []RecordedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedSpan, 0, r.ring.Len())
	r.ring.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(RecordedSpan))
	})
	return out
}

func (r *spanRecorder) Shutdown(context.Context) error   { return nil }
func (r *spanRecorder) ForceFlush(context.Context) error { return nil }

// Provider bundles a tracer provider, a Prometheus registry and the
// recent-span fallback view behind one server-lifetime object,
// following the "explicit server context, no ambient globals" design
// note.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	Registry       *prometheus.Registry
	recorder       *spanRecorder
}

// Config selects the OTLP endpoint (empty disables the network
// exporter, keeping only the in-process recorder) and service name.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
}

// New builds a Provider. When cfg.OTLPEndpoint is empty, spans are
// still recorded in-process (for /observability/traces) but never
// shipped over the network.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	recorder := newSpanRecorder(512)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(recorder),
	}

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(cfg.ServiceName),
		Registry:       registry,
		recorder:       recorder,
	}, nil
}

// RecentTraces returns the spans still held in the in-process ring buffer.
func (p *Provider) RecentTraces() []RecordedSpan { return p.recorder.Recent() }

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.TracerProvider.Shutdown(ctx)
}

// StartRunSpan starts a span for an operation against runID, tagging
// it the way handlers and the scheduler annotate run-scoped work.
func (p *Provider) StartRunSpan(ctx context.Context, name, runID string) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, name, trace.WithAttributes(attribute.String("run_id", runID)))
}

// Metrics holds the Prometheus collectors the rest of the system
// updates directly, grounded on the teacher's metrics.go collector
// set (counters/gauges registered once at startup and handed to
// callers as plain fields).
type Metrics struct {
	TicksTotal       prometheus.Counter
	PromotionsTotal  prometheus.Counter
	ClaimsTotal      *prometheus.CounterVec
	RunsCompleted    *prometheus.CounterVec
	LeaseExpirations prometheus.Counter
	QueueDepth       prometheus.Gauge
}

// NewMetrics constructs and registers the Metrics collectors against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_scheduler_ticks_total",
			Help: "Number of scheduler ticks executed.",
		}),
		PromotionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_scheduler_promotions_total",
			Help: "Number of queue entries promoted to runs.",
		}),
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_lease_claims_total",
			Help: "Number of lease claim attempts by outcome.",
		}, []string{"outcome"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_runs_completed_total",
			Help: "Number of runs completed by terminal state.",
		}, []string{"state"}),
		LeaseExpirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_lease_expirations_total",
			Help: "Number of leases reclaimed after TTL expiry.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Current number of queued, unconsumed queue entries.",
		}),
	}
	registry.MustRegister(m.TicksTotal, m.PromotionsTotal, m.ClaimsTotal, m.RunsCompleted, m.LeaseExpirations, m.QueueDepth)
	return m
}
