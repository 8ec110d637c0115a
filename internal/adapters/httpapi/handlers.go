package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"propledger/internal/adapters/reports"
	"propledger/internal/logger"
	"propledger/pkg/api"
	"propledger/pkg/domain"
	"propledger/pkg/money"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	resp, err := s.auth.Me(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := s.svc.ListProperties(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"properties": nonNil(props)})
}

type createPropertyRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Timezone string         `json:"timezone"`
	Currency money.Currency `json:"currency"`
}

func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req createPropertyRequest
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	created, _, err := s.svc.CreateProperty(r.Context(), domain.Property{
		ID:       req.ID,
		Name:     req.Name,
		Timezone: req.Timezone,
		Currency: req.Currency,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"property": created})
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	filter := domain.ReservationFilter{Status: domain.ReservationStatus(r.URL.Query().Get("status"))}
	list, err := s.svc.ListReservations(r.Context(), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": nonNil(list)})
}

type createReservationRequest struct {
	ID        string       `json:"id"`
	GuestName string       `json:"guest_name"`
	CheckIn   time.Time    `json:"check_in"`
	CheckOut  time.Time    `json:"check_out"`
	Total     money.Amount `json:"total"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := decode(r, w, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	created, _, err := s.svc.CreateReservation(r.Context(), domain.Reservation{
		ID:         req.ID,
		PropertyID: chi.URLParam(r, "id"),
		GuestName:  req.GuestName,
		CheckIn:    req.CheckIn,
		CheckOut:   req.CheckOut,
		Total:      req.Total,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"reservation": created})
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	updated, _, err := s.svc.CancelReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation": updated})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.DashboardSummary(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRevenue returns all-time revenue, or one month when both month and
// year are given.
func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	propertyID := q.Get("property_id")
	if propertyID == "" {
		s.fail(w, r, domain.ErrInvalid{Field: "property_id", Reason: "required"})
		return
	}
	monthRaw, yearRaw := q.Get("month"), q.Get("year")
	if monthRaw == "" && yearRaw == "" {
		summary, err := s.svc.CalculateTotalRevenue(r.Context(), propertyID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}
	month, err := strconv.Atoi(monthRaw)
	if err != nil {
		s.fail(w, r, domain.ErrInvalid{Field: "month", Reason: "must be an integer"})
		return
	}
	year, err := strconv.Atoi(yearRaw)
	if err != nil {
		s.fail(w, r, domain.ErrInvalid{Field: "year", Reason: "must be an integer"})
		return
	}
	summary, err := s.svc.CalculateMonthlyRevenue(r.Context(), propertyID, month, year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type createReportRequest struct {
	Formats []reports.Format `json:"formats"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if r.ContentLength != 0 {
		if err := decode(r, w, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	rec, err := s.reports.Enqueue(r.Context(), req.Formats)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/reports/"+rec.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{"report": rec})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reports.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rec})
}

func (s *Server) handleReportArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, body, err := s.reports.Open(r.Context(), id, reports.Format(chi.URLParam(r, "format")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+"."+string(a.Format)+`"`)
	if a.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		logger.FromContextOr(r.Context(), s.log).Warn("stream report artifact", zap.String("report_id", id), zap.Error(err))
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
