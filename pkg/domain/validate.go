package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"propledger/pkg/money"
)

// NewID returns a random identifier for records created without one.
func NewID() string { return uuid.NewString() }

// checkID rejects caller-chosen IDs that cannot appear as one URL path
// segment or one component of a tenant-scoped key.
func checkID(field, id string) error {
	for _, r := range id {
		if r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalid{Field: field, Reason: "must not contain '/', spaces or control characters"}
		}
	}
	return nil
}

// PrepareTenant validates a tenant and fills defaults.
func PrepareTenant(t Tenant, now time.Time) (Tenant, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return Tenant{}, ErrInvalid{Field: "name", Reason: "required"}
	}
	if err := checkID("id", t.ID); err != nil {
		return Tenant{}, err
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now.UTC()
	}
	return t, nil
}

// PrepareUser validates a user and fills defaults. Emails are compared case-insensitively.
func PrepareUser(u User, now time.Time) (User, error) {
	if u.TenantID == "" {
		return User{}, ErrTenantRequired
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(u.Email))
	if err != nil {
		return User{}, ErrInvalid{Field: "email", Reason: "malformed address"}
	}
	u.Email = NormalizeEmail(addr.Address)
	if u.PasswordHash == "" {
		return User{}, ErrInvalid{Field: "password", Reason: "required"}
	}
	switch u.Role {
	case "":
		u.Role = RoleViewer
	case RoleAdmin, RoleViewer:
	default:
		return User{}, ErrInvalid{Field: "role", Reason: "unknown role " + string(u.Role)}
	}
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now.UTC()
	}
	return u, nil
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PrepareProperty validates a property for tenantID and fills defaults.
func PrepareProperty(tenantID string, p Property, now time.Time) (Property, error) {
	if tenantID == "" {
		return Property{}, ErrTenantRequired
	}
	if p.TenantID != "" && p.TenantID != tenantID {
		return Property{}, ErrInvalid{Field: "tenant_id", Reason: "does not match caller tenant"}
	}
	p.TenantID = tenantID
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Property{}, ErrInvalid{Field: "name", Reason: "required"}
	}
	if err := checkID("id", p.ID); err != nil {
		return Property{}, err
	}
	if p.Currency == "" {
		p.Currency = money.USD
	}
	if !p.Currency.Valid() {
		return Property{}, ErrInvalid{Field: "currency", Reason: "unsupported " + string(p.Currency)}
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return Property{}, ErrInvalid{Field: "timezone", Reason: err.Error()}
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now.UTC()
	}
	return p, nil
}

// PrepareReservation validates a reservation against its property, which the
// caller must already have resolved inside the same tenant scope.
func PrepareReservation(property Property, r Reservation, now time.Time) (Reservation, error) {
	if property.TenantID == "" {
		return Reservation{}, ErrTenantRequired
	}
	if r.TenantID != "" && r.TenantID != property.TenantID {
		return Reservation{}, ErrInvalid{Field: "tenant_id", Reason: "does not match caller tenant"}
	}
	if r.PropertyID != "" && r.PropertyID != property.ID {
		return Reservation{}, ErrInvalid{Field: "property_id", Reason: "does not match property"}
	}
	r.TenantID = property.TenantID
	r.PropertyID = property.ID
	if err := checkID("id", r.ID); err != nil {
		return Reservation{}, err
	}
	if r.CheckIn.IsZero() {
		return Reservation{}, ErrInvalid{Field: "check_in", Reason: "required"}
	}
	if !r.CheckOut.After(r.CheckIn) {
		return Reservation{}, ErrInvalid{Field: "check_out", Reason: "must be after check_in"}
	}
	r.CheckIn = r.CheckIn.UTC()
	r.CheckOut = r.CheckOut.UTC()
	if r.Total.Currency != property.Currency {
		return Reservation{}, ErrInvalid{Field: "total", Reason: "currency " + string(r.Total.Currency) + " does not match property currency " + string(property.Currency)}
	}
	checked, err := money.FromDecimal(r.Total.Value, r.Total.Currency)
	if err != nil {
		if errors.Is(err, money.ErrScale) {
			return Reservation{}, ErrInvalid{Field: "total", Reason: "too many fractional digits"}
		}
		return Reservation{}, ErrInvalid{Field: "total", Reason: err.Error()}
	}
	if checked.IsNegative() {
		return Reservation{}, ErrInvalid{Field: "total", Reason: "must not be negative"}
	}
	if err := checked.Storable(); err != nil {
		return Reservation{}, ErrInvalid{Field: "total", Reason: fmt.Sprintf("at most %d integer digits", money.StorageIntegerDigits)}
	}
	r.Total = checked
	switch r.Status {
	case "":
		r.Status = ReservationConfirmed
	case ReservationConfirmed, ReservationCancelled:
	default:
		return Reservation{}, ErrInvalid{Field: "status", Reason: "unknown status " + string(r.Status)}
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
	return r, nil
}
