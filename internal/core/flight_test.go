package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/infra/persistence/memory"
	"propledger/pkg/domain"
	"propledger/pkg/money"
)

// gatedStore serves fixed totals per tenant and property. Views of the gated
// tenant announce themselves on entered and wait for release.
type gatedStore struct {
	PersistentStore
	totals  map[string]map[string]string
	gate    string
	entered chan string
	release chan struct{}
	views   atomic.Int32
}

func newGatedStore(gate string, totals map[string]map[string]string) *gatedStore {
	return &gatedStore{
		PersistentStore: memory.NewStore(),
		totals:          totals,
		gate:            gate,
		entered:         make(chan string, 8),
		release:         make(chan struct{}),
	}
}

func (s *gatedStore) View(ctx context.Context, tenantID string, fn func(TransactionView) error) error {
	s.views.Add(1)
	if tenantID == s.gate {
		s.entered <- tenantID
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fn(fixedView{tenantID: tenantID, totals: s.totals[tenantID]})
}

type fixedView struct {
	TransactionView
	tenantID string
	totals   map[string]string
}

func (v fixedView) TenantID() string { return v.tenantID }

func (v fixedView) FindProperty(id string) (domain.Property, bool, error) {
	if _, ok := v.totals[id]; !ok {
		return domain.Property{}, false, nil
	}
	return domain.Property{ID: id, TenantID: v.tenantID, Currency: money.USD, Timezone: "UTC"}, true, nil
}

func (v fixedView) SumRevenue(id string, _ *domain.DateRange) (domain.RevenueAggregate, error) {
	return domain.RevenueAggregate{PropertyID: id, Total: money.MustParse(v.totals[id], money.USD), Count: 1}, nil
}

func TestCacheKeysNeverCollideAcrossTenants(t *testing.T) {
	pairs := [][2]cacheKey{
		{{TenantID: "a/b", PropertyID: "c"}, {TenantID: "a", PropertyID: "b/c"}},
		{{TenantID: "x|y", PropertyID: "z"}, {TenantID: "x", PropertyID: "y|z"}},
		{{TenantID: `q"`, PropertyID: "r"}, {TenantID: "q", PropertyID: `"r`}},
	}
	for _, p := range pairs {
		assert.NotEqual(t, p[0].String(), p[1].String(), "%+v vs %+v", p[0], p[1])
	}
}

func TestConcurrentReadsOfCollidingIDsStayInTenant(t *testing.T) {
	cases := []struct {
		ownerTenant, ownerProperty string
		otherTenant, otherProperty string
	}{
		{"a/b", "c", "a", "b/c"},
		{"x|y", "z", "x", "y|z"},
	}
	for _, tc := range cases {
		t.Run(tc.ownerTenant, func(t *testing.T) {
			store := newGatedStore(tc.ownerTenant, map[string]map[string]string{
				tc.ownerTenant: {tc.ownerProperty: "12345.678"},
			})
			svc := NewService(store)

			owner := make(chan RevenueSummary, 1)
			go func() {
				rs, err := svc.CalculateTotalRevenue(as(tc.ownerTenant, domain.RoleViewer), tc.ownerProperty)
				assert.NoError(t, err)
				owner <- rs
			}()
			<-store.entered

			ctx, cancel := context.WithTimeout(as(tc.otherTenant, domain.RoleViewer), 2*time.Second)
			defer cancel()
			_, err := svc.CalculateTotalRevenue(ctx, tc.otherProperty)
			assert.True(t, domain.IsNotFound(err), "other tenant got %v", err)

			close(store.release)
			assert.Equal(t, "12345.678", (<-owner).Total.String())

			_, err = svc.CalculateTotalRevenue(as(tc.otherTenant, domain.RoleViewer), tc.otherProperty)
			assert.True(t, domain.IsNotFound(err), "cache must not hold another tenant's figure: %v", err)
		})
	}
}

func TestCallerCancellationDoesNotAbortSharedQuery(t *testing.T) {
	store := newGatedStore("tenant-a", map[string]map[string]string{"tenant-a": {"prop-001": "2250.000"}})
	svc := NewService(store)

	ctxA, cancelA := context.WithCancel(as("tenant-a", domain.RoleViewer))
	errA := make(chan error, 1)
	go func() {
		_, err := svc.CalculateTotalRevenue(ctxA, "prop-001")
		errA <- err
	}()
	<-store.entered

	type result struct {
		rs  RevenueSummary
		err error
	}
	resB := make(chan result, 1)
	go func() {
		rs, err := svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
		resB <- result{rs, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(store.release)
	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, "2250.000", got.rs.Total.String())
	assert.Equal(t, SourceDatabase, got.rs.Source)
}

func TestSlowStoreServesFallbackAfterQueryTimeout(t *testing.T) {
	store := newGatedStore("tenant-a", nil)
	defer close(store.release)
	svc := NewService(store, WithFallback(DefaultFallback()), WithQueryTimeout(20*time.Millisecond))

	rs, err := svc.CalculateTotalRevenue(as("tenant-a", domain.RoleViewer), "prop-001")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, rs.Source)
	assert.Equal(t, "2250.000", rs.Total.String())
}

func TestDeadlineFromStoreIsDegraded(t *testing.T) {
	assert.True(t, degraded(context.DeadlineExceeded))
	assert.True(t, degraded(errors.Join(errors.New("query"), context.DeadlineExceeded)))
	assert.False(t, degraded(context.Canceled))
	assert.False(t, degraded(domain.ErrNotFound{Entity: domain.EntityProperty, ID: "p"}))
}

func TestCallerDeadlineIsNotFallback(t *testing.T) {
	store := newGatedStore("tenant-a", nil)
	defer close(store.release)
	svc := NewService(store, WithFallback(DefaultFallback()))

	ctx, cancel := context.WithTimeout(as("tenant-a", domain.RoleViewer), 20*time.Millisecond)
	defer cancel()
	_, err := svc.CalculateTotalRevenue(ctx, "prop-001")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = svc.DashboardSummary(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
