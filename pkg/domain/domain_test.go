package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/pkg/money"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMonthRangeIsHalfOpen(t *testing.T) {
	r := MonthRange(2024, time.December, time.UTC)
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), r.To)
	assert.True(t, r.Contains(r.From))
	assert.False(t, r.Contains(r.To))
	assert.True(t, r.Contains(r.To.Add(-time.Nanosecond)))
}

func TestMonthRangeUsesPropertyTimezone(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	r := MonthRange(2024, time.March, paris)
	// Paris is UTC+1 on 1 March and UTC+2 on 1 April.
	assert.Equal(t, time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2024, 3, 31, 22, 0, 0, 0, time.UTC), r.To)

	// A late-night check-in on 29 February UTC is already March in Paris.
	assert.True(t, r.Contains(time.Date(2024, 2, 29, 23, 30, 0, 0, time.UTC)))
}

func TestPreparePropertyDefaultsAndTenantBinding(t *testing.T) {
	p, err := PrepareProperty("tenant-a", Property{Name: " Beach House "}, now)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", p.TenantID)
	assert.Equal(t, "Beach House", p.Name)
	assert.Equal(t, money.USD, p.Currency)
	assert.Equal(t, "UTC", p.Timezone)
	assert.NotEmpty(t, p.ID)

	_, err = PrepareProperty("tenant-a", Property{Name: "x", TenantID: "tenant-b"}, now)
	assert.True(t, IsInvalid(err))

	_, err = PrepareProperty("", Property{Name: "x"}, now)
	assert.ErrorIs(t, err, ErrTenantRequired)

	_, err = PrepareProperty("tenant-a", Property{Name: "x", Timezone: "Mars/Olympus"}, now)
	assert.True(t, IsInvalid(err))
}

func TestPrepareReservationValidation(t *testing.T) {
	prop := Property{ID: "prop-001", TenantID: "tenant-a", Currency: money.USD}
	base := Reservation{
		GuestName: "Ada",
		CheckIn:   time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC),
		CheckOut:  time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC),
		Total:     money.MustParse("1250.000", money.USD),
	}

	r, err := PrepareReservation(prop, base, now)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", r.TenantID)
	assert.Equal(t, "prop-001", r.PropertyID)
	assert.Equal(t, ReservationConfirmed, r.Status)

	cases := map[string]func(*Reservation){
		"check_out":   func(r *Reservation) { r.CheckOut = r.CheckIn },
		"currency":    func(r *Reservation) { r.Total = money.MustParse("1", money.EUR) },
		"negative":    func(r *Reservation) { r.Total = money.MustParse("-1", money.USD) },
		"tenant":      func(r *Reservation) { r.TenantID = "tenant-b" },
		"property":    func(r *Reservation) { r.PropertyID = "prop-999" },
		"status":      func(r *Reservation) { r.Status = "pending" },
		"no check-in": func(r *Reservation) { r.CheckIn = time.Time{} },
		"too large":   func(r *Reservation) { r.Total = money.MustParse("100000000000.000", money.USD) },
		"slash id":    func(r *Reservation) { r.ID = "res/1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := PrepareReservation(prop, in, now)
			assert.True(t, IsInvalid(err), "got %v", err)
		})
	}
}

func TestPrepareRejectsUnsafeIDs(t *testing.T) {
	for _, id := range []string{"a/b", "b/c", "tenant a", "tab\tid", "nl\n"} {
		_, err := PrepareTenant(Tenant{ID: id, Name: "T"}, now)
		assert.True(t, IsInvalid(err), "tenant %q: %v", id, err)
		_, err = PrepareProperty("tenant-a", Property{ID: id, Name: "P"}, now)
		assert.True(t, IsInvalid(err), "property %q: %v", id, err)
	}
	_, err := PrepareTenant(Tenant{ID: "tenant-a.eu_1", Name: "T"}, now)
	assert.NoError(t, err)
}

func TestPrepareUser(t *testing.T) {
	u, err := PrepareUser(User{TenantID: "tenant-a", Email: " Ops@Example.COM ", PasswordHash: "h"}, now)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", u.Email)
	assert.Equal(t, RoleViewer, u.Role)

	_, err = PrepareUser(User{TenantID: "tenant-a", Email: "nope", PasswordHash: "h"}, now)
	assert.True(t, IsInvalid(err))

	_, err = PrepareUser(User{Email: "a@b.c", PasswordHash: "h"}, now)
	assert.ErrorIs(t, err, ErrTenantRequired)
}

func TestResultTouchedProperties(t *testing.T) {
	res := Result{Changes: []Change{
		{Entity: EntityReservation, PropertyID: "p1"},
		{Entity: EntityReservation, PropertyID: "p2"},
		{Entity: EntityReservation, PropertyID: "p1"},
		{Entity: EntityTenant},
	}}
	assert.Equal(t, []string{"p1", "p2"}, res.TouchedProperties())
}

func TestErrorHelpers(t *testing.T) {
	err := errors.Join(errors.New("ctx"), ErrNotFound{Entity: EntityProperty, ID: "p"})
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "property p not found", ErrNotFound{Entity: EntityProperty, ID: "p"}.Error())
	assert.False(t, RoleViewer.CanWrite())
	assert.True(t, RoleAdmin.CanWrite())
}
