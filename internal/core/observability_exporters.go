package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var expvarSeq uint64

// ExpvarMetricsRecorder publishes per-operation totals through expvar for
// deployments without a Prometheus scraper.
type ExpvarMetricsRecorder struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	cache     map[string]int64
	fallbacks map[string]int64
}

// ExpvarMetricsSnapshot is a point-in-time copy of the recorder.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Cache       map[string]int64            `json:"cache_total"`
	Fallbacks   map[string]int64            `json:"fallbacks_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name. expvar names are
// process-global, so an empty or already published name gets a numeric suffix.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("propledger_service_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	for expvar.Get(name) != nil {
		name = fmt.Sprintf("%s_%d", name, atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
		cache:     make(map[string]int64, 2),
		fallbacks: make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := ExpvarMetricsSnapshot{
		DurationsMS: make(map[string]float64, len(r.durations)),
		Results:     make(map[string]map[string]int64, len(r.results)),
		Cache:       make(map[string]int64, len(r.cache)),
		Fallbacks:   make(map[string]int64, len(r.fallbacks)),
		RecordedAt:  time.Now().UTC(),
	}
	for op, total := range r.durations {
		snap.DurationsMS[op] = total
	}
	for op, counts := range r.results {
		cpy := make(map[string]int64, len(counts))
		for status, n := range counts {
			cpy[status] = n
		}
		snap.Results[op] = cpy
	}
	for k, v := range r.cache {
		snap.Cache[k] = v
	}
	for k, v := range r.fallbacks {
		snap.Fallbacks[k] = v
	}
	return snap
}

// Observe implements MetricsRecorder.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] += float64(duration) / float64(time.Millisecond)
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][statusLabel(success)]++
}

// CacheResult implements RevenueMetrics.
func (r *ExpvarMetricsRecorder) CacheResult(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[cacheLabel(hit)]++
}

// FallbackServed implements RevenueMetrics.
func (r *ExpvarMetricsRecorder) FallbackServed(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[operation]++
}

// PrometheusMetricsRecorder exports service metrics to a Prometheus registerer.
// Tenant IDs are never used as label values.
type PrometheusMetricsRecorder struct {
	duration  *prometheus.HistogramVec
	cache     *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the service collectors with reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "propledger",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Latency of service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propledger",
			Subsystem: "revenue",
			Name:      "cache_requests_total",
			Help:      "Revenue cache lookups by result.",
		}, []string{"result"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "propledger",
			Subsystem: "revenue",
			Name:      "fallback_responses_total",
			Help:      "Revenue responses served from fallback data.",
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.duration, r.cache, r.fallbacks} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register service metrics: %w", err)
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	r.duration.WithLabelValues(operation, statusLabel(success)).Observe(duration.Seconds())
}

// CacheResult implements RevenueMetrics.
func (r *PrometheusMetricsRecorder) CacheResult(hit bool) {
	r.cache.WithLabelValues(cacheLabel(hit)).Inc()
}

// FallbackServed implements RevenueMetrics.
func (r *PrometheusMetricsRecorder) FallbackServed(operation string) {
	r.fallbacks.WithLabelValues(operation).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func cacheLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// JSONTraceEntry is a span serialized by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes spans as JSON lines and retains them for inspection.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// maxRetainedSpans bounds Entries; older spans are dropped once twice as many accumulate.
const maxRetainedSpans = 1024

// NewJSONTracer returns a tracer writing to w. A nil writer only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of all recorded spans.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]JSONTraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonTraceSpan) End(err error) {
	s.once.Do(func() {
		ended := time.Now().UTC()
		entry := JSONTraceEntry{
			Operation:  s.operation,
			Status:     statusLabel(err == nil),
			DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
			EndedAt:    ended,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.tracer.mu.Lock()
		defer s.tracer.mu.Unlock()
		s.tracer.entries = append(s.tracer.entries, entry)
		if n := len(s.tracer.entries); n >= 2*maxRetainedSpans {
			s.tracer.entries = append([]JSONTraceEntry(nil), s.tracer.entries[n-maxRetainedSpans:]...)
		}
		if s.tracer.enc != nil {
			_ = s.tracer.enc.Encode(entry)
		}
	})
}

var (
	_ MetricsRecorder = (*ExpvarMetricsRecorder)(nil)
	_ RevenueMetrics  = (*ExpvarMetricsRecorder)(nil)
	_ MetricsRecorder = (*PrometheusMetricsRecorder)(nil)
	_ RevenueMetrics  = (*PrometheusMetricsRecorder)(nil)
	_ Tracer          = (*JSONTraceTracer)(nil)
	_ AuditRecorder   = (*ZapAuditRecorder)(nil)
)
