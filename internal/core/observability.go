package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Clock supplies timestamps to the service.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// AuditStatus is the outcome recorded for an operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one service operation.
type AuditEntry struct {
	Operation string
	TenantID  string
	UserID    string
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives an entry for every service operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation latency and outcome.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// RevenueMetrics is optionally implemented by a MetricsRecorder that also
// tracks cache efficiency and degraded-mode responses.
type RevenueMetrics interface {
	CacheResult(hit bool)
	FallbackServed(operation string)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// ZapAuditRecorder writes audit entries to a zap logger.
type ZapAuditRecorder struct {
	log *zap.Logger
}

// NewZapAuditRecorder returns a recorder logging under the "audit" name.
func NewZapAuditRecorder(log *zap.Logger) *ZapAuditRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapAuditRecorder{log: log.Named("audit")}
}

// Record implements AuditRecorder.
func (r *ZapAuditRecorder) Record(_ context.Context, e AuditEntry) {
	fields := []zap.Field{
		zap.String("operation", e.Operation),
		zap.String("tenant_id", e.TenantID),
		zap.String("user_id", e.UserID),
		zap.String("status", string(e.Status)),
		zap.Duration("duration", e.Duration),
	}
	if e.EntityID != "" {
		fields = append(fields, zap.String("entity_id", e.EntityID))
	}
	if e.Status == AuditStatusError {
		r.log.Warn("operation failed", append(fields, zap.String("error", e.Error))...)
		return
	}
	r.log.Info("operation", fields...)
}
