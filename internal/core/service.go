// Package core implements the revenue service: tenant-scoped reads and writes
// over a PersistentStore, exact revenue aggregation, a tenant-keyed cache and
// degraded-mode fallback data.
package core

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"propledger/internal/tenant"
	"propledger/pkg/domain"
)

// Service exposes tenant-scoped operations. Every method except the
// provisioning helpers takes the tenant from the context principal.
type Service struct {
	store    PersistentStore
	cache    *revenueCache
	fallback *FallbackData
	flight   singleflight.Group

	queryTimeout time.Duration

	clock   Clock
	logger  *zap.Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithCache sizes the revenue cache. A size of zero disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Service) { s.cache = newRevenueCache(size, ttl) }
}

// WithFallback enables degraded-mode answers from fd when the store fails.
func WithFallback(fd *FallbackData) Option {
	return func(s *Service) { s.fallback = fd }
}

// WithQueryTimeout bounds one shared revenue query. Callers waiting on it
// still stop at their own deadline.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// Defaults used when the matching option is not supplied.
const (
	DefaultCacheSize    = 1024
	DefaultCacheTTL     = 5 * time.Minute
	DefaultQueryTimeout = 10 * time.Second
)

// NewService constructs a service backed by store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		cache:   newRevenueCache(DefaultCacheSize, DefaultCacheTTL),
		clock:   systemClock{},
		logger:  zap.NewNop(),
		audit:   noopAudit{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},

		queryTimeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("core")
	return s
}

// Store returns the underlying persistence implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Close releases the store.
func (s *Service) Close() error { return s.store.Close() }

// run wraps an operation with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (entityID string, err error)) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	entityID, err := fn(ctx)
	span.End(err)
	elapsed := s.clock.Now().Sub(start)
	s.metrics.Observe(ctx, op, err == nil, elapsed)

	entry := AuditEntry{Operation: op, EntityID: entityID, Status: AuditStatusSuccess, Duration: elapsed, Timestamp: start}
	if p, ok := tenant.PrincipalFromContext(ctx); ok {
		entry.TenantID = p.TenantID
		entry.UserID = p.UserID
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Debug("operation failed", zap.String("operation", op), zap.String("tenant_id", entry.TenantID), zap.Error(err))
	}
	s.audit.Record(ctx, entry)
	return err
}

// ProvisionTenant creates a tenant. It is an operator action and takes no principal.
func (s *Service) ProvisionTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	var created domain.Tenant
	err := s.run(ctx, "provision_tenant", func(ctx context.Context) (string, error) {
		var err error
		created, err = s.store.CreateTenant(ctx, t)
		return created.ID, err
	})
	return created, err
}

// ListTenants returns every tenant. It is an operator action.
func (s *Service) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	return s.store.ListTenants(ctx)
}

// ListProperties returns the caller's properties.
func (s *Service) ListProperties(ctx context.Context) ([]domain.Property, error) {
	var out []domain.Property
	err := s.run(ctx, "list_properties", func(ctx context.Context) (string, error) {
		tenantID, err := tenant.Require(ctx)
		if err != nil {
			return "", err
		}
		return "", s.store.View(ctx, tenantID, func(v TransactionView) error {
			out, err = v.ListProperties()
			return err
		})
	})
	return out, err
}

// GetProperty returns one of the caller's properties.
func (s *Service) GetProperty(ctx context.Context, id string) (domain.Property, error) {
	var out domain.Property
	err := s.run(ctx, "get_property", func(ctx context.Context) (string, error) {
		tenantID, err := tenant.Require(ctx)
		if err != nil {
			return id, err
		}
		return id, s.store.View(ctx, tenantID, func(v TransactionView) error {
			p, ok, err := v.FindProperty(id)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrNotFound{Entity: domain.EntityProperty, ID: id}
			}
			out = p
			return nil
		})
	})
	return out, err
}

// CreateProperty adds a property to the caller's tenant.
func (s *Service) CreateProperty(ctx context.Context, p domain.Property) (domain.Property, domain.Result, error) {
	var created domain.Property
	var res domain.Result
	err := s.run(ctx, "create_property", func(ctx context.Context) (string, error) {
		principal, err := tenant.RequireWriter(ctx)
		if err != nil {
			return p.ID, err
		}
		res, err = s.store.RunInTransaction(ctx, principal.TenantID, func(tx Transaction) error {
			created, err = tx.CreateProperty(p)
			return err
		})
		s.invalidate(res)
		return created.ID, err
	})
	return created, res, err
}

// ListReservations returns the reservations of one of the caller's properties.
func (s *Service) ListReservations(ctx context.Context, propertyID string, filter domain.ReservationFilter) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := s.run(ctx, "list_reservations", func(ctx context.Context) (string, error) {
		tenantID, err := tenant.Require(ctx)
		if err != nil {
			return propertyID, err
		}
		filter.PropertyID = propertyID
		return propertyID, s.store.View(ctx, tenantID, func(v TransactionView) error {
			if _, ok, err := v.FindProperty(propertyID); err != nil {
				return err
			} else if !ok {
				return domain.ErrNotFound{Entity: domain.EntityProperty, ID: propertyID}
			}
			out, err = v.ListReservations(filter)
			return err
		})
	})
	return out, err
}

// CreateReservation records a booking against one of the caller's properties.
func (s *Service) CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, domain.Result, error) {
	var created domain.Reservation
	var res domain.Result
	err := s.run(ctx, "create_reservation", func(ctx context.Context) (string, error) {
		principal, err := tenant.RequireWriter(ctx)
		if err != nil {
			return r.ID, err
		}
		res, err = s.store.RunInTransaction(ctx, principal.TenantID, func(tx Transaction) error {
			created, err = tx.CreateReservation(r)
			return err
		})
		s.invalidate(res)
		return created.ID, err
	})
	return created, res, err
}

// CancelReservation marks a reservation cancelled so it stops counting toward revenue.
func (s *Service) CancelReservation(ctx context.Context, id string) (domain.Reservation, domain.Result, error) {
	var updated domain.Reservation
	var res domain.Result
	err := s.run(ctx, "cancel_reservation", func(ctx context.Context) (string, error) {
		principal, err := tenant.RequireWriter(ctx)
		if err != nil {
			return id, err
		}
		res, err = s.store.RunInTransaction(ctx, principal.TenantID, func(tx Transaction) error {
			updated, err = tx.CancelReservation(id)
			return err
		})
		s.invalidate(res)
		return id, err
	})
	return updated, res, err
}

func (s *Service) invalidate(res domain.Result) {
	if res.TenantID == "" {
		return
	}
	for _, propertyID := range res.TouchedProperties() {
		s.cache.invalidate(res.TenantID, propertyID)
	}
}

// degraded reports whether err is a storage failure that fallback data may
// paper over. A store that misses the query deadline counts as degraded.
// Domain errors and cancellations are returned to the caller.
func degraded(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsNotFound(err) || domain.IsInvalid(err) ||
		errors.Is(err, domain.ErrTenantRequired) || errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrConflict) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
