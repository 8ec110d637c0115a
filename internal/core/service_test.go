package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/infra/persistence/memory"
	"propledger/internal/infra/persistence/storetest"
	"propledger/internal/tenant"
	"propledger/pkg/domain"
	"propledger/pkg/money"
)

func as(tenantID string, role domain.Role) context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{UserID: "user-" + tenantID, TenantID: tenantID, Role: role})
}

func seededService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	storetest.Seed(t, store)
	svc := NewService(store, opts...)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, store
}

func TestTotalRevenueIsolatedPerTenant(t *testing.T) {
	svc, _ := seededService(t)

	a, err := svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	b, err := svc.CalculateTotalRevenue(as("tenant-b", domain.RoleViewer), "prop-001")
	require.NoError(t, err)

	assert.Equal(t, "2250.000", a.Total.String())
	assert.Equal(t, "2250.00", a.TotalRounded)
	assert.Equal(t, money.USD, a.Currency)
	assert.Equal(t, 4, a.Count)
	assert.Equal(t, "tenant-a", a.TenantID)
	assert.Equal(t, SourceDatabase, a.Source)
	assert.False(t, a.Cached)

	assert.Equal(t, "999.999", b.Total.String())
	assert.Equal(t, "1000.00", b.TotalRounded)
	assert.Equal(t, money.EUR, b.Currency)
	assert.Equal(t, "tenant-b", b.TenantID)

	again, err := svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, "2250.000", again.Total.String())
	againB, err := svc.CalculateTotalRevenue(as("tenant-b", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	assert.True(t, againB.Cached)
	assert.Equal(t, "999.999", againB.Total.String(), "cache must not leak tenant-a's figure")
}

func TestCrossTenantPropertyIsNotFound(t *testing.T) {
	svc, _ := seededService(t, WithFallback(DefaultFallback()))
	_, err := svc.CalculateTotalRevenue(as("tenant-b", domain.RoleViewer), "prop-002")
	assert.True(t, domain.IsNotFound(err), "got %v", err)
	_, err = svc.CalculateMonthlyRevenue(as("tenant-b", domain.RoleViewer), "prop-002", 3, 2024)
	assert.True(t, domain.IsNotFound(err), "got %v", err)
	_, err = svc.ListReservations(as("tenant-b", domain.RoleViewer), "prop-002", domain.ReservationFilter{})
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestMonthlyRevenueUsesPropertyTimezone(t *testing.T) {
	svc, _ := seededService(t)
	ctx := as("tenant-a", domain.RoleViewer)

	march, err := svc.CalculateMonthlyRevenue(ctx, "prop-001", 3, 2024)
	require.NoError(t, err)
	assert.Equal(t, "2250.000", march.Total.String())
	assert.Equal(t, 4, march.Count)
	require.NotNil(t, march.Period)
	assert.Equal(t, Period{Year: 2024, Month: 3}, *march.Period)
	require.NotNil(t, march.Window)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), march.Window.From)
	assert.Equal(t, time.Date(2024, 3, 31, 22, 0, 0, 0, time.UTC), march.Window.To)

	feb, err := svc.CalculateMonthlyRevenue(ctx, "prop-001", 2, 2024)
	require.NoError(t, err)
	assert.Equal(t, "0.000", feb.Total.String(), "23:30Z on Feb 29 is March in Paris")
	assert.Equal(t, 0, feb.Count)

	for _, month := range []int{0, 13} {
		_, err := svc.CalculateMonthlyRevenue(ctx, "prop-001", month, 2024)
		assert.True(t, domain.IsInvalid(err), "month %d: %v", month, err)
	}
	_, err = svc.CalculateMonthlyRevenue(ctx, "prop-001", 1, 0)
	assert.True(t, domain.IsInvalid(err))
}

func TestWritesInvalidateOnlyTouchedScope(t *testing.T) {
	svc, _ := seededService(t)
	adminA := as("tenant-a", domain.RoleAdmin)
	viewerB := as("tenant-b", domain.RoleViewer)

	_, err := svc.CalculateTotalRevenue(adminA, "prop-001")
	require.NoError(t, err)
	_, err = svc.CalculateTotalRevenue(adminA, "prop-002")
	require.NoError(t, err)
	_, err = svc.CalculateTotalRevenue(viewerB, "prop-001")
	require.NoError(t, err)

	in := time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC)
	_, res, err := svc.CreateReservation(adminA, domain.Reservation{
		ID: "res-new", PropertyID: "prop-001", GuestName: "New Guest",
		CheckIn: in, CheckOut: in.Add(48 * time.Hour), Total: money.MustParse("0.001", money.USD),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"prop-001"}, res.TouchedProperties())

	after, err := svc.CalculateTotalRevenue(adminA, "prop-001")
	require.NoError(t, err)
	assert.False(t, after.Cached)
	assert.Equal(t, "2250.001", after.Total.String())
	assert.Equal(t, 5, after.Count)

	other, err := svc.CalculateTotalRevenue(adminA, "prop-002")
	require.NoError(t, err)
	assert.True(t, other.Cached)
	b, err := svc.CalculateTotalRevenue(viewerB, "prop-001")
	require.NoError(t, err)
	assert.True(t, b.Cached, "tenant-b's prop-001 is a different scope")

	_, _, err = svc.CancelReservation(adminA, "res-new")
	require.NoError(t, err)
	reverted, err := svc.CalculateTotalRevenue(adminA, "prop-001")
	require.NoError(t, err)
	assert.Equal(t, "2250.000", reverted.Total.String())
}

func TestRoleAndTenantChecks(t *testing.T) {
	svc, _ := seededService(t)
	_, _, err := svc.CreateProperty(as("tenant-a", domain.RoleViewer), domain.Property{Name: "Nope"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, _, err = svc.CancelReservation(as("tenant-a", domain.RoleViewer), "res-004")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.CalculateTotalRevenue(context.Background(), "prop-001")
	assert.ErrorIs(t, err, domain.ErrTenantRequired)
	_, err = svc.DashboardSummary(context.Background())
	assert.ErrorIs(t, err, domain.ErrTenantRequired)
	_, err = svc.ListProperties(context.Background())
	assert.ErrorIs(t, err, domain.ErrTenantRequired)

	_, _, err = svc.CancelReservation(as("tenant-b", domain.RoleAdmin), "res-004")
	assert.True(t, domain.IsNotFound(err), "got %v", err)
}

func TestPropertyCRUD(t *testing.T) {
	svc, _ := seededService(t)
	admin := as("tenant-b", domain.RoleAdmin)
	created, _, err := svc.CreateProperty(admin, domain.Property{ID: "prop-009", Name: "  Dune Shack ", Currency: money.GBP, Timezone: "Europe/London"})
	require.NoError(t, err)
	assert.Equal(t, "tenant-b", created.TenantID)
	assert.Equal(t, "Dune Shack", created.Name)

	got, err := svc.GetProperty(admin, "prop-009")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(created, got))

	_, err = svc.GetProperty(as("tenant-a", domain.RoleAdmin), "prop-009")
	assert.True(t, domain.IsNotFound(err))

	props, err := svc.ListProperties(admin)
	require.NoError(t, err)
	assert.Len(t, props, 2)

	rev, err := svc.CalculateTotalRevenue(admin, "prop-009")
	require.NoError(t, err)
	assert.Equal(t, "0.000", rev.Total.String())
	assert.Equal(t, money.GBP, rev.Currency)

	_, _, err = svc.CreateReservation(admin, domain.Reservation{
		PropertyID: "prop-009", GuestName: "G", CheckIn: time.Now(), CheckOut: time.Now().Add(time.Hour),
		Total: money.MustParse("10.000", money.USD),
	})
	assert.True(t, domain.IsInvalid(err), "currency must match the property: %v", err)
}

func TestDashboardTotalsPerCurrency(t *testing.T) {
	clock := ClockFunc(func() time.Time { return time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC) })
	svc, _ := seededService(t, WithClock(clock))
	admin := as("tenant-a", domain.RoleAdmin)

	dash, err := svc.DashboardSummary(admin)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", dash.TenantID)
	assert.Equal(t, SourceDatabase, dash.Source)
	require.Len(t, dash.Properties, 2)
	require.Len(t, dash.Totals, 1)
	assert.Equal(t, "3493.875", dash.Totals[0].String())
	assert.Equal(t, clock.Now(), dash.GeneratedAt)

	_, _, err = svc.CreateProperty(admin, domain.Property{ID: "prop-eur", Name: "Canal House", Currency: money.EUR})
	require.NoError(t, err)
	in := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	_, _, err = svc.CreateReservation(admin, domain.Reservation{
		PropertyID: "prop-eur", GuestName: "G", CheckIn: in, CheckOut: in.Add(24 * time.Hour),
		Total: money.MustParse("100.505", money.EUR),
	})
	require.NoError(t, err)

	dash, err = svc.DashboardSummary(admin)
	require.NoError(t, err)
	require.Len(t, dash.Totals, 2)
	assert.Equal(t, money.EUR, dash.Totals[0].Currency)
	assert.Equal(t, "100.505", dash.Totals[0].String())
	assert.Equal(t, money.USD, dash.Totals[1].Currency)
	assert.Equal(t, "3493.875", dash.Totals[1].String())
}

// failingStore simulates an unreachable database.
type failingStore struct {
	PersistentStore
	err error
}

func (f failingStore) View(context.Context, string, func(TransactionView) error) error { return f.err }
func (f failingStore) RunInTransaction(context.Context, string, func(Transaction) error) (domain.Result, error) {
	return domain.Result{}, f.err
}

func TestFallbackIsTenantScoped(t *testing.T) {
	down := failingStore{PersistentStore: memory.NewStore(), err: errors.New("dial tcp 10.0.0.5:5432: connection refused")}
	metrics := NewExpvarMetricsRecorder("")
	svc := NewService(down, WithFallback(DefaultFallback()), WithMetricsRecorder(metrics))

	a, err := svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, a.Source)
	assert.Equal(t, "2250.000", a.Total.String())
	assert.Equal(t, 4, a.Count)

	b, err := svc.CalculateTotalRevenue(as("tenant-b", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, b.Source)
	assert.Equal(t, "0.000", b.Total.String(), "tenant-b must not receive tenant-a's prop-001 figure")

	ghost, err := svc.CalculateTotalRevenue(as("tenant-c", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	assert.Equal(t, "0.000", ghost.Total.String())
	assert.Equal(t, 0, ghost.Count)
	assert.Equal(t, FallbackCurrency, ghost.Currency)

	march, err := svc.CalculateMonthlyRevenue(as("tenant-a", domain.RoleViewer), "prop-001", 3, 2024)
	require.NoError(t, err)
	assert.Equal(t, "2250.000", march.Total.String())
	april, err := svc.CalculateMonthlyRevenue(as("tenant-a", domain.RoleViewer), "prop-001", 4, 2024)
	require.NoError(t, err)
	assert.Equal(t, "333.333", april.Total.String(), "unlisted months use the property's monthly default")

	dash, err := svc.DashboardSummary(as("tenant-b", domain.RoleViewer))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, dash.Source)
	ids := make([]string, 0, len(dash.Properties))
	for _, p := range dash.Properties {
		ids = append(ids, p.PropertyID)
		assert.Equal(t, "tenant-b", p.TenantID)
	}
	assert.Equal(t, []string{"prop-001", "prop-004", "prop-005"}, ids)
	require.Len(t, dash.Totals, 1)
	assert.Equal(t, "5032.500", dash.Totals[0].String())

	snap := metrics.Snapshot()
	assert.EqualValues(t, 3, snap.Fallbacks["calculate_total_revenue"])
	assert.EqualValues(t, 2, snap.Fallbacks["calculate_monthly_revenue"])
	assert.EqualValues(t, 1, snap.Fallbacks["dashboard_summary"])
}

func TestStoreErrorsSurfaceWithoutFallback(t *testing.T) {
	down := failingStore{PersistentStore: memory.NewStore(), err: errors.New("connection reset")}
	svc := NewService(down)
	_, err := svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
	assert.ErrorContains(t, err, "connection reset")

	canceled := failingStore{PersistentStore: memory.NewStore(), err: context.Canceled}
	svc = NewService(canceled, WithFallback(DefaultFallback()))
	_, err = svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFallbackResultsAreNotCached(t *testing.T) {
	store := memory.NewStore()
	storetest.Seed(t, store)
	toggle := &toggleStore{PersistentStore: store}
	svc := NewService(toggle, WithFallback(DefaultFallback()))
	ctx := as("tenant-b", domain.RoleViewer)

	toggle.setDown(true)
	first, err := svc.CalculateTotalRevenue(ctx, "prop-001")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, first.Source)

	toggle.setDown(false)
	second, err := svc.CalculateTotalRevenue(ctx, "prop-001")
	require.NoError(t, err)
	assert.Equal(t, SourceDatabase, second.Source)
	assert.Equal(t, "999.999", second.Total.String())
}

type toggleStore struct {
	PersistentStore
	mu   sync.Mutex
	down bool
}

func (s *toggleStore) setDown(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = v
}

func (s *toggleStore) View(ctx context.Context, tenantID string, fn func(TransactionView) error) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("database unavailable")
	}
	return s.PersistentStore.View(ctx, tenantID, fn)
}

func TestConcurrentRevenueReads(t *testing.T) {
	svc, _ := seededService(t)
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenantID, want := "tenant-a", "2250.000"
			if i%2 == 1 {
				tenantID, want = "tenant-b", "999.999"
			}
			rs, err := svc.CalculateTotalRevenue(as(tenantID, domain.RoleViewer), "prop-001")
			if err != nil {
				errs <- err
				return
			}
			if rs.Total.String() != want || rs.TenantID != tenantID {
				errs <- errors.New("cross-tenant result for " + tenantID + ": " + rs.Total.String())
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestProvisionTenant(t *testing.T) {
	svc := NewService(memory.NewStore())
	created, err := svc.ProvisionTenant(context.Background(), domain.Tenant{ID: "tenant-z", Name: "Zeta Stays"})
	require.NoError(t, err)
	assert.Equal(t, "tenant-z", created.ID)
	_, err = svc.ProvisionTenant(context.Background(), domain.Tenant{ID: "tenant-z", Name: "dup"})
	assert.ErrorIs(t, err, domain.ErrConflict)
	tenants, err := svc.ListTenants(context.Background())
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}
