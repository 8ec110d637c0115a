package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/internal/infra/persistence/storetest"
	"propledger/pkg/domain"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.PersistentStore { return NewStore() })
}

func TestExportImportRoundTrip(t *testing.T) {
	src := NewStore()
	storetest.Seed(t, src)
	snap := src.ExportState()
	require.Len(t, snap.Tenants, 2)
	require.Len(t, snap.Properties, 3)
	require.Len(t, snap.Reservations, 6)

	dst := NewStore()
	dst.ImportState(snap)
	assert.Equal(t, snap, dst.ExportState())
}

func TestImportDropsOrphans(t *testing.T) {
	store := NewStore()
	store.ImportState(Snapshot{
		Tenants:      []domain.Tenant{{ID: "t1", Name: "One"}},
		Properties:   []domain.Property{{ID: "p1", TenantID: "t1"}, {ID: "p2", TenantID: "ghost"}},
		Reservations: []domain.Reservation{{ID: "r1", TenantID: "t1", PropertyID: "p2"}},
		Users:        []domain.User{{ID: "u1", TenantID: "ghost", Email: "x@y.z"}},
	})
	snap := store.ExportState()
	assert.Len(t, snap.Properties, 1)
	assert.Empty(t, snap.Reservations)
	assert.Empty(t, snap.Users)
}

func TestViewIsolatedFromLaterWrites(t *testing.T) {
	store := NewStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	ctx := context.Background()
	_, err := store.CreateTenant(ctx, domain.Tenant{ID: "t1", Name: "One"})
	require.NoError(t, err)

	err = store.View(ctx, "t1", func(v domain.TransactionView) error {
		_, err := store.RunInTransaction(ctx, "t1", func(tx domain.Transaction) error {
			p, err := tx.CreateProperty(domain.Property{Name: "Late"})
			assert.Equal(t, fixed, p.CreatedAt)
			return err
		})
		require.NoError(t, err)
		props, err := v.ListProperties()
		require.NoError(t, err)
		assert.Empty(t, props)
		return nil
	})
	require.NoError(t, err)
}

func TestCanceledContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.RunInTransaction(ctx, "t1", func(domain.Transaction) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
