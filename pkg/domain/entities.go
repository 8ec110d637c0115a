// Package domain defines the tenant-scoped entities, value types and
// persistence contracts used by propledger.
package domain

import (
	"time"

	"propledger/pkg/money"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and error values.
const (
	EntityTenant      EntityType = "tenant"
	EntityProperty    EntityType = "property"
	EntityReservation EntityType = "reservation"
	EntityUser        EntityType = "user"
	EntityReport      EntityType = "report"
)

// Tenant is an isolated customer account. Every other record belongs to exactly one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Property is a rentable unit owned by a tenant. Timezone is an IANA zone name
// used to place calendar month boundaries; Currency fixes the currency of all
// of the property's reservations.
type Property struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Timezone  string         `json:"timezone"`
	Currency  money.Currency `json:"currency"`
	CreatedAt time.Time      `json:"created_at"`
}

// Location resolves the property's timezone, defaulting to UTC when unset.
func (p Property) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// ReservationStatus describes whether a reservation contributes revenue.
type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a booking against a property. Total is the exact amount charged.
type Reservation struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	PropertyID string            `json:"property_id"`
	GuestName  string            `json:"guest_name"`
	CheckIn    time.Time         `json:"check_in"`
	CheckOut   time.Time         `json:"check_out"`
	Total      money.Amount      `json:"total"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Role is a coarse permission level within a tenant.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role may create or cancel records.
func (r Role) CanWrite() bool { return r == RoleAdmin }

// User is a login belonging to a single tenant.
type User struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// DateRange is the half-open UTC interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// MonthRange returns [first of month, first of next month) in loc, expressed in UTC.
func MonthRange(year int, month time.Month, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return DateRange{From: start.UTC(), To: start.AddDate(0, 1, 0).UTC()}
}

// ReservationFilter narrows ListReservations. Zero values match everything.
type ReservationFilter struct {
	PropertyID string
	Status     ReservationStatus
	CheckIn    *DateRange
}

// Matches applies the filter to a reservation in memory.
func (f ReservationFilter) Matches(r Reservation) bool {
	if f.PropertyID != "" && r.PropertyID != f.PropertyID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.CheckIn != nil && !f.CheckIn.Contains(r.CheckIn) {
		return false
	}
	return true
}

// RevenueAggregate is the confirmed revenue for one property over an optional window.
type RevenueAggregate struct {
	PropertyID string       `json:"property_id"`
	Total      money.Amount `json:"total"`
	Count      int          `json:"count"`
}

// Change describes a modification committed by a transaction.
type Change struct {
	Entity     EntityType
	Action     Action
	ID         string
	PropertyID string
}

// Action indicates the type of modification performed.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Result carries the changes committed by a transaction.
type Result struct {
	TenantID string
	Changes  []Change
}

// Merge appends changes from another result.
func (r *Result) Merge(other Result) {
	if len(other.Changes) == 0 {
		return
	}
	r.Changes = append(r.Changes, other.Changes...)
}

// TouchedProperties returns the distinct property IDs affected by the result.
func (r Result) TouchedProperties() []string {
	seen := make(map[string]struct{}, len(r.Changes))
	out := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		if c.PropertyID == "" {
			continue
		}
		if _, ok := seen[c.PropertyID]; ok {
			continue
		}
		seen[c.PropertyID] = struct{}{}
		out = append(out, c.PropertyID)
	}
	return out
}
