package reports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"propledger/internal/blob"
	"propledger/internal/core"
	"propledger/internal/infra/persistence/memory"
	"propledger/internal/infra/persistence/storetest"
	"propledger/internal/tenant"
	"propledger/pkg/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func as(tenantID string) context.Context {
	return tenant.WithPrincipal(context.Background(), tenant.Principal{UserID: "user-" + tenantID, TenantID: tenantID, Role: domain.RoleViewer})
}

type auditLog struct {
	entries chan core.AuditEntry
}

func (a *auditLog) Record(_ context.Context, e core.AuditEntry) { a.entries <- e }

func startWorker(t *testing.T, opts ...Option) (*Worker, blob.Store) {
	t.Helper()
	store := memory.NewStore()
	storetest.Seed(t, store)
	svc := core.NewService(store)
	blobs := blob.NewMemory()
	w := NewWorker(svc, blobs, opts...)
	w.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, w.Stop(ctx))
	})
	return w, blobs
}

func waitFinished(t *testing.T, w *Worker, ctx context.Context, id string) Report {
	t.Helper()
	var rec Report
	require.Eventually(t, func() bool {
		got, err := w.Get(ctx, id)
		if err != nil {
			return false
		}
		rec = got
		return rec.Status == StatusSucceeded || rec.Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestReportStoresTenantScopedArtifacts(t *testing.T) {
	w, blobs := startWorker(t)
	ctx := as("tenant-a")

	queued, err := w.Enqueue(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
	assert.Equal(t, []Format{FormatJSON, FormatCSV}, queued.Formats)
	assert.Equal(t, "tenant-a", queued.TenantID)

	rec := waitFinished(t, w, ctx, queued.ID)
	require.Equal(t, StatusSucceeded, rec.Status, rec.Error)
	require.Len(t, rec.Artifacts, 2)
	for _, a := range rec.Artifacts {
		assert.True(t, strings.HasPrefix(a.Key, "tenants/tenant-a/reports/"+rec.ID+"."), a.Key)
		assert.Positive(t, a.SizeBytes)
	}

	infos, err := blobs.List(context.Background(), "tenants/tenant-a/reports/")
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	_, body, err := w.Open(ctx, rec.ID, FormatJSON)
	require.NoError(t, err)
	var summary core.DashboardSummary
	require.NoError(t, json.NewDecoder(body).Decode(&summary))
	require.NoError(t, body.Close())
	assert.Equal(t, "tenant-a", summary.TenantID)
	require.Len(t, summary.Totals, 1)
	assert.Equal(t, "3493.875", summary.Totals[0].String())

	_, body, err = w.Open(ctx, rec.ID, FormatCSV)
	require.NoError(t, err)
	rows, err := csv.NewReader(body).ReadAll()
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"prop-001", "Beach House", "USD", "2250.000", "2250.00", "4", "database"}, rows[1])
	assert.Equal(t, []string{"", "TOTAL", "USD", "3493.875", "3493.88", "", "database"}, rows[len(rows)-1])
}

func TestReportInvisibleToOtherTenants(t *testing.T) {
	w, _ := startWorker(t)
	queued, err := w.Enqueue(as("tenant-a"), []Format{FormatCSV})
	require.NoError(t, err)
	waitFinished(t, w, as("tenant-a"), queued.ID)

	_, err = w.Get(as("tenant-b"), queued.ID)
	assert.True(t, domain.IsNotFound(err))
	_, _, err = w.Open(as("tenant-b"), queued.ID, FormatCSV)
	assert.True(t, domain.IsNotFound(err))
	_, err = w.Get(context.Background(), queued.ID)
	assert.ErrorIs(t, err, domain.ErrTenantRequired)
}

func TestFinishedReportsAreRetainedUpToLimit(t *testing.T) {
	w, blobs := startWorker(t, WithRetention(2))
	ctx := as("tenant-a")
	var ids []string
	for i := 0; i < 3; i++ {
		queued, err := w.Enqueue(ctx, []Format{FormatCSV})
		require.NoError(t, err)
		rec := waitFinished(t, w, ctx, queued.ID)
		require.Equal(t, StatusSucceeded, rec.Status, rec.Error)
		ids = append(ids, queued.ID)
	}

	_, err := w.Get(ctx, ids[0])
	assert.True(t, domain.IsNotFound(err), "oldest finished report is forgotten")
	for _, id := range ids[1:] {
		_, err := w.Get(ctx, id)
		assert.NoError(t, err)
	}
	_, body, err := blobs.Get(context.Background(), Key("tenant-a", ids[0], FormatCSV))
	require.NoError(t, err, "artifacts outlive the in-memory record")
	require.NoError(t, body.Close())

	w.mu.RLock()
	defer w.mu.RUnlock()
	assert.Len(t, w.jobs, 2)
	assert.Len(t, w.finished, 2)
}

func TestEnqueueValidation(t *testing.T) {
	w, _ := startWorker(t)
	_, err := w.Enqueue(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrTenantRequired)
	_, err = w.Enqueue(as("tenant-a"), []Format{"pdf"})
	assert.True(t, domain.IsInvalid(err))

	rec, err := w.Enqueue(as("tenant-a"), []Format{FormatCSV, FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatCSV}, rec.Formats)
	waitFinished(t, w, as("tenant-a"), rec.ID)

	_, _, err = w.Open(as("tenant-a"), rec.ID, FormatJSON)
	assert.True(t, domain.IsNotFound(err))
}

type failingSource struct{}

func (failingSource) DashboardSummary(context.Context) (core.DashboardSummary, error) {
	return core.DashboardSummary{}, errors.New("database unavailable")
}

func TestReportFailureIsAudited(t *testing.T) {
	audit := &auditLog{entries: make(chan core.AuditEntry, 4)}
	w := NewWorker(failingSource{}, blob.NewMemory(), WithAuditRecorder(audit))
	w.Start()
	defer func() { require.NoError(t, w.Stop(context.Background())) }()

	queued, err := w.Enqueue(as("tenant-b"), nil)
	require.NoError(t, err)
	rec := waitFinished(t, w, as("tenant-b"), queued.ID)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "database unavailable")
	require.NotNil(t, rec.CompletedAt)

	byOp := map[string]core.AuditEntry{}
	for i := 0; i < 2; i++ {
		e := <-audit.entries
		byOp[e.Operation] = e
	}
	assert.Equal(t, core.AuditStatusSuccess, byOp["report_enqueue"].Status)
	done := byOp["report_export"]
	assert.Equal(t, core.AuditStatusError, done.Status)
	assert.Equal(t, "tenant-b", done.TenantID)
}

type blockingSource struct{ release chan struct{} }

func (b blockingSource) DashboardSummary(ctx context.Context) (core.DashboardSummary, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return core.DashboardSummary{}, ctx.Err()
}

func TestEnqueueQueueFull(t *testing.T) {
	src := blockingSource{release: make(chan struct{})}
	w := NewWorker(src, blob.NewMemory(), WithQueueSize(1))
	w.Start()
	defer func() {
		close(src.release)
		require.NoError(t, w.Stop(context.Background()))
	}()
	ctx := as("tenant-a")

	first, err := w.Enqueue(ctx, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := w.Get(ctx, first.ID)
		return err == nil && rec.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)

	_, err = w.Enqueue(ctx, nil)
	require.NoError(t, err)
	_, err = w.Enqueue(ctx, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestStopHonoursContext(t *testing.T) {
	src := blockingSource{release: make(chan struct{})}
	w := NewWorker(src, blob.NewMemory())
	w.Start()
	_, err := w.Enqueue(as("tenant-a"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Stop(context.Background()), "cancelling the worker context unblocks the running report")
	close(src.release)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "tenants/tenant-a/reports/r1.csv", Key("tenant-a", "r1", FormatCSV))
}
