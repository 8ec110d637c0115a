// Package integration runs the seed, revenue and export path against every
// in-process storage and blob backend.
package integration

import (
	"context"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"propledger/internal/adapters/reports"
	"propledger/internal/auth"
	"propledger/internal/blob"
	"propledger/internal/config"
	"propledger/internal/core"
	"propledger/internal/seed"
	"propledger/internal/tenant"
	"propledger/pkg/domain"
)

func TestSmokeAcrossBackends(t *testing.T) {
	ctx := context.Background()

	stores := []struct {
		name string
		open func(t *testing.T) domain.PersistentStore
	}{
		{"memory", func(t *testing.T) domain.PersistentStore {
			s, err := core.OpenPersistentStore(ctx, config.Storage{Driver: "memory"})
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) domain.PersistentStore {
			s, err := core.OpenPersistentStore(ctx, config.Storage{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "ledger.db")})
			require.NoError(t, err)
			return s
		}},
	}
	blobs := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{"memory", func(*testing.T) blob.Store { return blob.NewMemory() }},
		{"fs", func(t *testing.T) blob.Store {
			s, err := blob.Open(ctx, config.Blob{Driver: "fs", FSRoot: t.TempDir()})
			require.NoError(t, err)
			return s
		}},
		{"s3-mock", func(t *testing.T) blob.Store {
			s, err := blob.NewS3Mock(ctx)
			require.NoError(t, err)
			return s
		}},
	}

	for _, sv := range stores {
		for _, bv := range blobs {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				store := sv.open(t)
				svc := core.NewService(store, core.WithCache(64, time.Minute), core.WithFallback(core.DefaultFallback()))
				t.Cleanup(func() { _ = svc.Close() })

				ds, err := seed.Demo()
				require.NoError(t, err)
				_, err = seed.Apply(ctx, svc, auth.NewRegistrar(store, bcrypt.MinCost), ds, nil)
				require.NoError(t, err)

				viewer := tenant.WithPrincipal(ctx, tenant.Principal{UserID: "smoke", TenantID: "tenant-b", Role: domain.RoleViewer})
				march, err := svc.CalculateMonthlyRevenue(viewer, "prop-004", 3, 2024)
				require.NoError(t, err)
				assert.Equal(t, "1776.500", march.Total.String())
				assert.Equal(t, core.SourceDatabase, march.Source)

				w := reports.NewWorker(svc, bv.open(t))
				w.Start()
				t.Cleanup(func() {
					stop, cancel := context.WithTimeout(ctx, 5*time.Second)
					defer cancel()
					assert.NoError(t, w.Stop(stop))
				})

				rec, err := w.Enqueue(viewer, []reports.Format{reports.FormatCSV})
				require.NoError(t, err)
				require.Eventually(t, func() bool {
					got, err := w.Get(viewer, rec.ID)
					return err == nil && (got.Status == reports.StatusSucceeded || got.Status == reports.StatusFailed)
				}, 5*time.Second, 10*time.Millisecond)
				got, err := w.Get(viewer, rec.ID)
				require.NoError(t, err)
				require.Equal(t, reports.StatusSucceeded, got.Status, got.Error)

				_, body, err := w.Open(viewer, rec.ID, reports.FormatCSV)
				require.NoError(t, err)
				defer body.Close()
				rows, err := csv.NewReader(body).ReadAll()
				require.NoError(t, err)
				// header, three properties, one USD total
				require.Len(t, rows, 5)
				assert.Equal(t, []string{"", "TOTAL", "USD", "5032.500", "5032.50", "", "database"}, rows[4])
			})
		}
	}
}
