// Package observability provides lightweight distributed tracing and
// Prometheus metrics for the skill-optimization runtime.
//
// This provides:
//   - Trace spans for the request lifecycle (route → select arm → invoke → evaluate)
//   - W3C-style TraceContext propagation via context.Context
//   - Prometheus metrics across C3-C8
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans — Lightweight span tracking without external OTel SDK dependency
// ═══════════════════════════════════════════════════════════════════════════

// SpanKind classifies a span.
type SpanKind int

const (
	SpanInternal SpanKind = iota
	SpanServer
	SpanClient
)

// Span represents a unit of work within a distributed trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	Kind      SpanKind          `json:"kind"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer provides lightweight distributed tracing.
// In production, this would wrap OpenTelemetry SDK.
// Phase 3 implementation stores spans in-memory for inspection and export.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span with the given operation name.
// Returns the span (caller must call EndSpan when done).
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}

	span := &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    generateID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		Kind:      SpanInternal,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}

	return span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the recent spans.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}

	// Return most recent spans
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "skillopt-trace-id"
	spanIDKey  contextKey = "skillopt-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return generateID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// generateID creates a short unique ID (not cryptographically secure — fine for tracing).
var spanCounter atomic.Int64

func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Pipeline (C5) Metrics ──────────────────────────────────────────────────

// RequestsTotal tracks handled requests by skill and outcome.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "pipeline",
	Name:      "requests_total",
	Help:      "Total requests handled by HandleRequest, by skill and outcome.",
}, []string{"skill_id", "outcome"})

// ArmSelections tracks arm-selection counts by skill and arm.
var ArmSelections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "bandit",
	Name:      "arm_selections_total",
	Help:      "Total Thompson-sampling arm selections, by skill and arm.",
}, []string{"skill_id", "arm_id"})

// RequestLatency tracks end-to-end request latency.
var RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "skillopt",
	Subsystem: "pipeline",
	Name:      "request_latency_ms",
	Help:      "HandleRequest latency in milliseconds.",
	Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
}, []string{"skill_id"})

// ─── Evaluation (C6) Metrics ────────────────────────────────────────────────

// EvaluationLatency tracks judge-call latency by evaluation method.
var EvaluationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "skillopt",
	Subsystem: "evaluation",
	Name:      "judge_latency_ms",
	Help:      "Judge LLM call latency in milliseconds, by evaluation method.",
	Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
}, []string{"method"})

// EvaluationFallbacks tracks evaluation runs that fell back to the
// default score, after exhausting retries or on a non-retryable error,
// by error class.
var EvaluationFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "evaluation",
	Name:      "fallbacks_total",
	Help:      "Total evaluation fallbacks, by error type.",
}, []string{"error_type"})

// ─── Partitioning (C7) Metrics ──────────────────────────────────────────────

// ClusterCount tracks the current number of clusters per skill.
var ClusterCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "skillopt",
	Subsystem: "partition",
	Name:      "cluster_count",
	Help:      "Current number of clusters, by skill.",
}, []string{"skill_id"})

// PartitioningRuns tracks completed k-means partitioning runs.
var PartitioningRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "partition",
	Name:      "runs_total",
	Help:      "Total completed partitioning runs, by skill.",
}, []string{"skill_id"})

// ─── Lock (C2) Metrics ───────────────────────────────────────────────────────

// LockContention tracks failed lock-acquisition attempts, by purpose.
var LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "lock",
	Name:      "contention_total",
	Help:      "Total lock-acquisition attempts that found the lock already held, by purpose.",
}, []string{"purpose"})

// LockHoldDuration tracks how long a lock was held before release.
var LockHoldDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "skillopt",
	Subsystem: "lock",
	Name:      "hold_duration_ms",
	Help:      "Lock hold duration in milliseconds, by purpose.",
	Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000},
}, []string{"purpose"})

// ─── Reflection (C8) Metrics ────────────────────────────────────────────────

// ReflectionRuns tracks completed reflection passes by mode.
var ReflectionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "reflection",
	Name:      "runs_total",
	Help:      "Total completed reflection passes, by mode (early|ongoing).",
}, []string{"mode"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "skillopt",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
