// Package storetest provides a behavioural contract shared by every
// domain.PersistentStore implementation. Each backend's tests call Run with a
// constructor for a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/pkg/domain"
	"propledger/pkg/money"
)

// Factory returns an empty store. The contract closes it on cleanup.
type Factory func(t *testing.T) domain.PersistentStore

// Fixture is the seeded state used by the contract: two tenants that both own
// a property called prop-001.
type Fixture struct {
	TenantA domain.Tenant
	TenantB domain.Tenant
}

// Seed creates tenant-a and tenant-b with overlapping property IDs and a mix of
// reservations, mirroring the demo data set.
func Seed(t *testing.T, store domain.PersistentStore) Fixture {
	t.Helper()
	ctx := context.Background()
	a, err := store.CreateTenant(ctx, domain.Tenant{ID: "tenant-a", Name: "Sunset Properties"})
	require.NoError(t, err)
	b, err := store.CreateTenant(ctx, domain.Tenant{ID: "tenant-b", Name: "Ocean Rentals"})
	require.NoError(t, err)

	_, err = store.RunInTransaction(ctx, a.ID, func(tx domain.Transaction) error {
		if _, err := tx.CreateProperty(domain.Property{ID: "prop-001", Name: "Beach House", Timezone: "Europe/Paris", Currency: money.USD}); err != nil {
			return err
		}
		if _, err := tx.CreateProperty(domain.Property{ID: "prop-002", Name: "City Loft", Timezone: "America/New_York", Currency: money.USD}); err != nil {
			return err
		}
		for _, r := range []domain.Reservation{
			res("res-tz-1", "prop-001", "2024-02-29T23:30:00Z", "1250.000"),
			res("res-dec-1", "prop-001", "2024-03-15T15:00:00Z", "333.333"),
			res("res-dec-2", "prop-001", "2024-03-16T15:00:00Z", "333.333"),
			res("res-dec-3", "prop-001", "2024-03-17T15:00:00Z", "333.334"),
			res("res-004", "prop-002", "2024-03-02T15:00:00Z", "1243.875"),
		} {
			if _, err := tx.CreateReservation(r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_, err = store.RunInTransaction(ctx, b.ID, func(tx domain.Transaction) error {
		if _, err := tx.CreateProperty(domain.Property{ID: "prop-001", Name: "Harbour View", Timezone: "UTC", Currency: money.EUR}); err != nil {
			return err
		}
		_, err := tx.CreateReservation(res("res-b-1", "prop-001", "2024-03-10T12:00:00Z", "999.999"))
		return err
	})
	require.NoError(t, err)
	return Fixture{TenantA: a, TenantB: b}
}

func res(id, propertyID, checkIn, total string) domain.Reservation {
	in, err := time.Parse(time.RFC3339, checkIn)
	if err != nil {
		panic(err)
	}
	cur := money.USD
	if id == "res-b-1" {
		cur = money.EUR
	}
	return domain.Reservation{
		ID:         id,
		PropertyID: propertyID,
		GuestName:  "Guest " + id,
		CheckIn:    in,
		CheckOut:   in.Add(72 * time.Hour),
		Total:      money.MustParse(total, cur),
	}
}

// Run executes the persistence contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("tenant required", func(t *testing.T) {
		store := open(t, newStore)
		_, err := store.RunInTransaction(context.Background(), "", func(domain.Transaction) error { return nil })
		assert.ErrorIs(t, err, domain.ErrTenantRequired)
		err = store.View(context.Background(), "", func(domain.TransactionView) error { return nil })
		assert.ErrorIs(t, err, domain.ErrTenantRequired)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		store := open(t, newStore)
		err := store.View(context.Background(), "ghost", func(domain.TransactionView) error { return nil })
		assert.True(t, domain.IsNotFound(err), "got %v", err)
	})

	t.Run("same property id isolated per tenant", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()

		var aggA, aggB domain.RevenueAggregate
		require.NoError(t, store.View(ctx, fx.TenantA.ID, func(v domain.TransactionView) error {
			var err error
			aggA, err = v.SumRevenue("prop-001", nil)
			return err
		}))
		require.NoError(t, store.View(ctx, fx.TenantB.ID, func(v domain.TransactionView) error {
			var err error
			aggB, err = v.SumRevenue("prop-001", nil)
			return err
		}))
		assert.Equal(t, "2250.000", aggA.Total.String())
		assert.Equal(t, money.USD, aggA.Total.Currency)
		assert.Equal(t, 4, aggA.Count)
		assert.Equal(t, "999.999", aggB.Total.String())
		assert.Equal(t, money.EUR, aggB.Total.Currency)
		assert.Equal(t, 1, aggB.Count)
	})

	t.Run("cross tenant reads are not found", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		require.NoError(t, store.View(ctx, fx.TenantB.ID, func(v domain.TransactionView) error {
			_, ok, err := v.FindProperty("prop-002")
			require.NoError(t, err)
			assert.False(t, ok, "tenant-b must not see tenant-a's prop-002")
			_, ok, err = v.FindReservation("res-004")
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = v.SumRevenue("prop-002", nil)
			assert.True(t, domain.IsNotFound(err), "got %v", err)
			props, err := v.ListProperties()
			require.NoError(t, err)
			require.Len(t, props, 1)
			assert.Equal(t, "Harbour View", props[0].Name)
			all, err := v.ListReservations(domain.ReservationFilter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "tenant-b", all[0].TenantID)
			return nil
		}))
	})

	t.Run("cross tenant writes rejected", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		_, err := store.RunInTransaction(ctx, fx.TenantB.ID, func(tx domain.Transaction) error {
			_, err := tx.CreateReservation(res("res-evil", "prop-002", "2024-03-01T00:00:00Z", "1.000"))
			return err
		})
		assert.True(t, domain.IsNotFound(err), "got %v", err)
		_, err = store.RunInTransaction(ctx, fx.TenantB.ID, func(tx domain.Transaction) error {
			_, err := tx.CancelReservation("res-004")
			return err
		})
		assert.True(t, domain.IsNotFound(err), "got %v", err)
	})

	t.Run("monthly window half open", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		paris, err := time.LoadLocation("Europe/Paris")
		require.NoError(t, err)
		march := domain.MonthRange(2024, time.March, paris)
		feb := domain.MonthRange(2024, time.February, time.UTC)
		require.NoError(t, store.View(context.Background(), fx.TenantA.ID, func(v domain.TransactionView) error {
			agg, err := v.SumRevenue("prop-001", &march)
			require.NoError(t, err)
			assert.Equal(t, "2250.000", agg.Total.String())
			assert.Equal(t, 4, agg.Count)
			agg, err = v.SumRevenue("prop-001", &feb)
			require.NoError(t, err)
			assert.Equal(t, "1250.000", agg.Total.String())
			return nil
		}))
	})

	t.Run("cancelled reservations excluded", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		res, err := store.RunInTransaction(ctx, fx.TenantA.ID, func(tx domain.Transaction) error {
			r, err := tx.CancelReservation("res-tz-1")
			if err != nil {
				return err
			}
			assert.Equal(t, domain.ReservationCancelled, r.Status)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"prop-001"}, res.TouchedProperties())
		require.NoError(t, store.View(ctx, fx.TenantA.ID, func(v domain.TransactionView) error {
			agg, err := v.SumRevenue("prop-001", nil)
			require.NoError(t, err)
			assert.Equal(t, "1000.000", agg.Total.String())
			assert.Equal(t, 3, agg.Count)
			return nil
		}))
	})

	t.Run("failed transaction rolls back", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		boom := errors.New("boom")
		_, err := store.RunInTransaction(ctx, fx.TenantA.ID, func(tx domain.Transaction) error {
			if _, err := tx.CreateProperty(domain.Property{ID: "prop-009", Name: "Ghost"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		require.NoError(t, store.View(ctx, fx.TenantA.ID, func(v domain.TransactionView) error {
			_, ok, err := v.FindProperty("prop-009")
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		}))
	})

	t.Run("reservation round trip keeps exact amount", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		require.NoError(t, store.View(context.Background(), fx.TenantA.ID, func(v domain.TransactionView) error {
			r, ok, err := v.FindReservation("res-004")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "1243.875", r.Total.String())
			assert.Equal(t, money.USD, r.Total.Currency)
			assert.Equal(t, "prop-002", r.PropertyID)
			assert.True(t, r.CheckIn.Equal(time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)))
			list, err := v.ListReservations(domain.ReservationFilter{PropertyID: "prop-001"})
			require.NoError(t, err)
			require.Len(t, list, 4)
			assert.Equal(t, "res-tz-1", list[0].ID, "ordered by check-in")
			return nil
		}))
	})

	t.Run("amounts beyond storage precision rejected", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		for _, total := range []string{"100000000000.000", "123456789012.5"} {
			r := res("res-big", "prop-002", "2024-04-01T15:00:00Z", total)
			_, err := store.RunInTransaction(ctx, fx.TenantA.ID, func(tx domain.Transaction) error {
				_, err := tx.CreateReservation(r)
				return err
			})
			assert.True(t, domain.IsInvalid(err), "total %s: %v", total, err)
		}
		limit := res("res-max", "prop-002", "2024-04-01T15:00:00Z", "99999999999.999")
		_, err := store.RunInTransaction(ctx, fx.TenantA.ID, func(tx domain.Transaction) error {
			_, err := tx.CreateReservation(limit)
			return err
		})
		require.NoError(t, err)
		require.NoError(t, store.View(ctx, fx.TenantA.ID, func(v domain.TransactionView) error {
			r, ok, err := v.FindReservation("res-max")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "99999999999.999", r.Total.String())
			return nil
		}))
	})

	t.Run("ids with path separators rejected", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		_, err := store.CreateTenant(ctx, domain.Tenant{ID: "tenant-a/prop-001", Name: "Slash"})
		assert.True(t, domain.IsInvalid(err), "tenant: %v", err)
		_, err = store.RunInTransaction(ctx, fx.TenantA.ID, func(tx domain.Transaction) error {
			_, err := tx.CreateProperty(domain.Property{ID: "b/c", Name: "Slash"})
			return err
		})
		assert.True(t, domain.IsInvalid(err), "property: %v", err)
	})

	t.Run("users and tenants", func(t *testing.T) {
		store := open(t, newStore)
		fx := Seed(t, store)
		ctx := context.Background()
		u, err := store.CreateUser(ctx, domain.User{TenantID: fx.TenantA.ID, Email: "Owner@Sunset.test", PasswordHash: "x", Role: domain.RoleAdmin})
		require.NoError(t, err)
		_, err = store.CreateUser(ctx, domain.User{TenantID: fx.TenantB.ID, Email: "owner@sunset.test", PasswordHash: "y"})
		assert.ErrorIs(t, err, domain.ErrConflict)

		found, err := store.FindUserByEmail(ctx, "OWNER@sunset.test")
		require.NoError(t, err)
		assert.Equal(t, u.ID, found.ID)
		assert.Equal(t, "x", found.PasswordHash)

		_, err = store.FindUser(ctx, fx.TenantB.ID, u.ID)
		assert.True(t, domain.IsNotFound(err), "user lookup must be tenant-bound")
		got, err := store.FindUser(ctx, fx.TenantA.ID, u.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleAdmin, got.Role)

		_, err = store.CreateTenant(ctx, domain.Tenant{ID: fx.TenantA.ID, Name: "dup"})
		assert.ErrorIs(t, err, domain.ErrConflict)
		tenants, err := store.ListTenants(ctx)
		require.NoError(t, err)
		require.Len(t, tenants, 2)
		assert.Equal(t, "tenant-a", tenants[0].ID)
		tb, err := store.GetTenant(ctx, "tenant-b")
		require.NoError(t, err)
		assert.Equal(t, "Ocean Rentals", tb.Name)
	})
}

func open(t *testing.T, newStore Factory) domain.PersistentStore {
	t.Helper()
	store := newStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
