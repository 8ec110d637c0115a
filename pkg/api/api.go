// Package api holds the JSON shapes exchanged between the HTTP server and
// pkg/client. Both sides encode and decode these exact types so a login
// response or a revenue summary cannot drift between them.
package api

import (
	"time"

	"propledger/pkg/domain"
	"propledger/pkg/money"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "bearer"

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserInfo is the public view of an authenticated user.
type UserInfo struct {
	ID       string      `json:"id"`
	Email    string      `json:"email"`
	TenantID string      `json:"tenant_id"`
	Role     domain.Role `json:"role"`
}

// LoginResponse is returned by both /auth/login and /auth/me. For /auth/me
// AccessToken echoes the presented token and ExpiresIn counts down from now.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        UserInfo  `json:"user"`
}

// Expired reports whether the token has expired at now.
func (r LoginResponse) Expired(now time.Time) bool {
	return r.ExpiresAt.IsZero() || !now.Before(r.ExpiresAt)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Source reports where a revenue figure came from.
type Source string

const (
	SourceDatabase Source = "database"
	SourceFallback Source = "fallback"
)

// Period is a calendar month in the property's timezone.
type Period struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Validate checks the month and year ranges.
func (p Period) Validate() error {
	if p.Month < 1 || p.Month > 12 {
		return domain.ErrInvalid{Field: "month", Reason: "must be between 1 and 12"}
	}
	if p.Year < 1 || p.Year > 9999 {
		return domain.ErrInvalid{Field: "year", Reason: "must be between 1 and 9999"}
	}
	return nil
}

// RevenueSummary is the revenue for one property. Total is exact at storage
// scale; TotalRounded is the half-even rounding to the currency's minor unit
// for display.
type RevenueSummary struct {
	PropertyID   string            `json:"property_id"`
	TenantID     string            `json:"tenant_id"`
	Total        money.Amount      `json:"total"`
	TotalRounded string            `json:"total_rounded"`
	Currency     money.Currency    `json:"currency"`
	Count        int               `json:"reservation_count"`
	Source       Source            `json:"source"`
	Cached       bool              `json:"cached"`
	Period       *Period           `json:"period,omitempty"`
	Window       *domain.DateRange `json:"window,omitempty"`
}

// PropertyRevenue pairs a property name with its revenue.
type PropertyRevenue struct {
	Name string `json:"name,omitempty"`
	RevenueSummary
}

// DashboardSummary is the all-time revenue for every property of a tenant.
// Totals holds one grand total per currency; currencies are never summed together.
type DashboardSummary struct {
	TenantID    string            `json:"tenant_id"`
	Properties  []PropertyRevenue `json:"properties"`
	Totals      []money.Amount    `json:"totals"`
	Source      Source            `json:"source"`
	GeneratedAt time.Time         `json:"generated_at"`
}
