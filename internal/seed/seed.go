// Package seed loads the demo tenants, users, properties and reservations.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"propledger/internal/auth"
	"propledger/internal/tenant"
	"propledger/pkg/domain"
	"propledger/pkg/money"
)

//go:embed seed.json
var demo []byte

// Dataset is the decoded seed file.
type Dataset struct {
	Tenants []Tenant `json:"tenants"`
}

// Tenant groups everything seeded for one tenant.
type Tenant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Users      []User     `json:"users"`
	Properties []Property `json:"properties"`
}

// User is a login created for the tenant. Passwords are demo values.
type User struct {
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     domain.Role `json:"role"`
}

// Property is a seeded property with its reservations.
type Property struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Timezone     string         `json:"timezone"`
	Currency     money.Currency `json:"currency"`
	Reservations []Reservation  `json:"reservations"`
}

// Reservation amounts are decimal strings in the property currency.
type Reservation struct {
	ID       string    `json:"id"`
	Guest    string    `json:"guest"`
	CheckIn  time.Time `json:"check_in"`
	CheckOut time.Time `json:"check_out"`
	Total    string    `json:"total"`
}

// Demo returns the embedded demo dataset.
func Demo() (Dataset, error) { return Parse(bytes.NewReader(demo)) }

// Parse decodes a dataset, rejecting unknown fields.
func Parse(r io.Reader) (Dataset, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var ds Dataset
	if err := dec.Decode(&ds); err != nil {
		return Dataset{}, fmt.Errorf("seed: decode: %w", err)
	}
	return ds, nil
}

// Service is the write surface the loader drives.
type Service interface {
	ProvisionTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
	CreateProperty(ctx context.Context, p domain.Property) (domain.Property, domain.Result, error)
	CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, domain.Result, error)
}

// Registrar creates users with hashed passwords.
type Registrar interface {
	Register(ctx context.Context, req auth.RegisterRequest) (domain.User, error)
}

// Summary counts what Apply created.
type Summary struct {
	Tenants      int
	Users        int
	Properties   int
	Reservations int
	Skipped      []string
}

// Apply loads ds through svc and users. A tenant that already exists is
// skipped whole, so running Apply twice is harmless.
func Apply(ctx context.Context, svc Service, users Registrar, ds Dataset, log *zap.Logger) (Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var sum Summary
	for _, t := range ds.Tenants {
		if _, err := svc.ProvisionTenant(ctx, domain.Tenant{ID: t.ID, Name: t.Name}); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				log.Info("tenant already seeded", zap.String("tenant_id", t.ID))
				sum.Skipped = append(sum.Skipped, t.ID)
				continue
			}
			return sum, fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
		sum.Tenants++

		for _, u := range t.Users {
			if _, err := users.Register(ctx, auth.RegisterRequest{TenantID: t.ID, Email: u.Email, Password: u.Password, Role: u.Role}); err != nil {
				return sum, fmt.Errorf("seed tenant %s: %w", t.ID, err)
			}
			sum.Users++
		}

		scoped := tenant.WithPrincipal(ctx, tenant.Principal{UserID: "seed", TenantID: t.ID, Role: domain.RoleAdmin})
		for _, p := range t.Properties {
			created, _, err := svc.CreateProperty(scoped, domain.Property{ID: p.ID, Name: p.Name, Timezone: p.Timezone, Currency: p.Currency})
			if err != nil {
				return sum, fmt.Errorf("seed property %s/%s: %w", t.ID, p.ID, err)
			}
			sum.Properties++
			for _, r := range p.Reservations {
				total, err := money.Parse(r.Total, created.Currency)
				if err != nil {
					return sum, fmt.Errorf("seed reservation %s: %w", r.ID, err)
				}
				_, _, err = svc.CreateReservation(scoped, domain.Reservation{
					ID:         r.ID,
					PropertyID: created.ID,
					GuestName:  r.Guest,
					CheckIn:    r.CheckIn,
					CheckOut:   r.CheckOut,
					Total:      total,
				})
				if err != nil {
					return sum, fmt.Errorf("seed reservation %s: %w", r.ID, err)
				}
				sum.Reservations++
			}
		}
		log.Info("tenant seeded", zap.String("tenant_id", t.ID), zap.Int("properties", len(t.Properties)))
	}
	return sum, nil
}
