// Package httpapi exposes the revenue service, login and report export over
// HTTP. The tenant of every request comes from the verified bearer token.
package httpapi

import (
	"context"
	"expvar"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"propledger/docs/openapi"
	"propledger/internal/adapters/reports"
	"propledger/internal/core"
	"propledger/internal/tenant"
	"propledger/pkg/api"
	"propledger/pkg/domain"
)

// RevenueService is the tenant-scoped service surface served over HTTP.
type RevenueService interface {
	ListProperties(ctx context.Context) ([]domain.Property, error)
	CreateProperty(ctx context.Context, p domain.Property) (domain.Property, domain.Result, error)
	ListReservations(ctx context.Context, propertyID string, filter domain.ReservationFilter) ([]domain.Reservation, error)
	CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, domain.Result, error)
	CancelReservation(ctx context.Context, id string) (domain.Reservation, domain.Result, error)
	CalculateTotalRevenue(ctx context.Context, propertyID string) (core.RevenueSummary, error)
	CalculateMonthlyRevenue(ctx context.Context, propertyID string, month, year int) (core.RevenueSummary, error)
	DashboardSummary(ctx context.Context) (core.DashboardSummary, error)
}

// Authenticator logs users in and resolves bearer tokens.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (api.LoginResponse, error)
	Me(ctx context.Context, token string) (api.LoginResponse, error)
	Authenticate(ctx context.Context, token string) (tenant.Principal, error)
}

// ReportScheduler queues report exports and serves their artifacts.
type ReportScheduler interface {
	Enqueue(ctx context.Context, formats []reports.Format) (reports.Report, error)
	Get(ctx context.Context, id string) (reports.Report, error)
	Open(ctx context.Context, id string, f reports.Format) (reports.Artifact, io.ReadCloser, error)
}

// Registry registers collectors and serves them on /metrics.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// Server routes API requests.
type Server struct {
	chi.Router
	svc     RevenueService
	auth    Authenticator
	reports ReportScheduler
	log     *zap.Logger
	reg     Registry
	vars    bool
	health  func(context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReports enables the report export routes.
func WithReports(r ReportScheduler) Option {
	return func(s *Server) { s.reports = r }
}

// WithMetrics records request metrics into reg and serves it on /metrics.
func WithMetrics(reg Registry) Option {
	return func(s *Server) { s.reg = reg }
}

// WithDebugVars serves expvar counters on /debug/vars.
func WithDebugVars() Option {
	return func(s *Server) { s.vars = true }
}

// WithHealthCheck sets the check behind /healthz.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// NewServer builds the router. It fails only if metric registration fails.
func NewServer(svc RevenueService, authn Authenticator, opts ...Option) (*Server, error) {
	s := &Server{svc: svc, auth: authn, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("http")

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		requestLogger(s.log),
	)
	if s.reg != nil {
		m, err := newRequestMetrics(s.reg)
		if err != nil {
			return nil, err
		}
		r.Use(m.middleware)
	}
	r.Use(recoverer(s.log))
	if s.reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	if s.vars {
		r.Method(http.MethodGet, "/debug/vars", expvar.Handler())
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Get("/openapi.yaml", handleOpenAPI)
		r.Group(func(r chi.Router) {
			r.Use(s.bearer)
			r.Get("/auth/me", s.handleMe)
			r.Get("/properties", s.handleListProperties)
			r.Post("/properties", s.handleCreateProperty)
			r.Get("/properties/{id}/reservations", s.handleListReservations)
			r.Post("/properties/{id}/reservations", s.handleCreateReservation)
			r.Post("/reservations/{id}/cancel", s.handleCancelReservation)
			r.Get("/dashboard/summary", s.handleDashboard)
			r.Get("/dashboard/revenue", s.handleRevenue)
			if s.reports != nil {
				r.Post("/reports", s.handleCreateReport)
				r.Get("/reports/{id}", s.handleGetReport)
				r.Get("/reports/{id}/artifacts/{format}", s.handleReportArtifact)
			}
		})
	})
	s.Router = r
	return s, nil
}

func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", openapi.ContentType)
	_, _ = w.Write(openapi.Spec())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
