// Package reports renders tenant revenue reports asynchronously and stores
// the artifacts in blob storage under the tenant's own prefix.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"propledger/internal/blob"
	"propledger/internal/core"
	"propledger/internal/tenant"
	"propledger/pkg/domain"
)

// Status describes the lifecycle stage of a report.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Format is an artifact encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

func (f Format) contentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// DefaultQueueSize bounds pending reports when no size is configured.
const DefaultQueueSize = 32

// DefaultRetention is the number of finished reports kept for lookup. Older
// records are forgotten; their artifacts stay in the blob store.
const DefaultRetention = 256

// ErrQueueFull is returned when the worker cannot accept another report.
var ErrQueueFull = errors.New("report queue full")

// Artifact is one stored rendering of a report.
type Artifact struct {
	Format      Format    `json:"format"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Report tracks a request and its artifacts.
type Report struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	RequestedBy string     `json:"requested_by"`
	Formats     []Format   `json:"formats"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r Report) copy() Report {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		dup.CompletedAt = &at
	}
	return dup
}

// DashboardSource produces the tenant dashboard a report is rendered from.
type DashboardSource interface {
	DashboardSummary(ctx context.Context) (core.DashboardSummary, error)
}

// Key returns the blob key of a report artifact.
func Key(tenantID, reportID string, f Format) string {
	return fmt.Sprintf("tenants/%s/reports/%s.%s", tenantID, reportID, f)
}

// Worker executes report exports on a background goroutine.
type Worker struct {
	source DashboardSource
	blobs  blob.Store
	audit  core.AuditRecorder
	logger *zap.Logger
	now    func() time.Time

	queue     chan task
	mu        sync.RWMutex
	jobs      map[string]*Report
	finished  []string
	retention int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id        string
	principal tenant.Principal
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(r core.AuditRecorder) Option {
	return func(w *Worker) {
		if r != nil {
			w.audit = r
		}
	}
}

// WithQueueSize bounds the number of pending reports.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan task, n)
		}
	}
}

// WithRetention bounds the number of finished reports kept in memory.
func WithRetention(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.retention = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker constructs a worker. Call Start before enqueuing.
func NewWorker(source DashboardSource, blobs blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source: source,
		blobs:  blobs,
		audit:  nopAudit{},
		logger: zap.NewNop(),
		now:    time.Now,
		queue:  make(chan task, DefaultQueueSize),
		jobs:   make(map[string]*Report),
		ctx:    ctx,

		retention: DefaultRetention,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("reports")
	return w
}

// Start begins processing reports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the running report, if any.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			w.process(t)
		}
	}
}

// Enqueue schedules a report of the caller's tenant. An empty format list
// means JSON and CSV.
func (w *Worker) Enqueue(ctx context.Context, formats []Format) (Report, error) {
	principal, ok := tenant.PrincipalFromContext(ctx)
	if !ok {
		return Report{}, domain.ErrTenantRequired
	}
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, f := range formats {
		if f != FormatJSON && f != FormatCSV {
			return Report{}, domain.ErrInvalid{Field: "formats", Reason: "unsupported format " + string(f)}
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}

	now := w.now().UTC()
	rec := &Report{
		ID:          domain.NewID(),
		TenantID:    principal.TenantID,
		RequestedBy: principal.UserID,
		Formats:     uniq,
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[rec.ID] = rec
	queued := rec.copy()
	w.mu.Unlock()

	select {
	case w.queue <- task{id: rec.ID, principal: principal}:
	default:
		w.mu.Lock()
		delete(w.jobs, rec.ID)
		w.mu.Unlock()
		w.record(ctx, queued, "report_enqueue", ErrQueueFull)
		return Report{}, ErrQueueFull
	}
	w.record(ctx, queued, "report_enqueue", nil)
	return queued, nil
}

// Get returns a report owned by the caller's tenant. Reports of other
// tenants are reported as not found.
func (w *Worker) Get(ctx context.Context, id string) (Report, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return Report{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.jobs[id]
	if !ok || rec.TenantID != tenantID {
		return Report{}, domain.ErrNotFound{Entity: domain.EntityReport, ID: id}
	}
	return rec.copy(), nil
}

// Open streams one artifact of a report owned by the caller's tenant.
func (w *Worker) Open(ctx context.Context, id string, f Format) (Artifact, io.ReadCloser, error) {
	rec, err := w.Get(ctx, id)
	if err != nil {
		return Artifact{}, nil, err
	}
	for _, a := range rec.Artifacts {
		if a.Format != f {
			continue
		}
		_, body, err := w.blobs.Get(ctx, a.Key)
		if err != nil {
			if blob.IsNotFound(err) {
				return Artifact{}, nil, domain.ErrNotFound{Entity: domain.EntityReport, ID: id + "." + string(f)}
			}
			return Artifact{}, nil, fmt.Errorf("open report artifact: %w", err)
		}
		return a, body, nil
	}
	return Artifact{}, nil, domain.ErrNotFound{Entity: domain.EntityReport, ID: id + "." + string(f)}
}

func (w *Worker) process(t task) {
	w.setStatus(t.id, StatusRunning)
	ctx := tenant.WithPrincipal(w.ctx, t.principal)
	summary, err := w.source.DashboardSummary(ctx)
	if err != nil {
		w.fail(t.id, fmt.Errorf("dashboard: %w", err))
		return
	}
	rec, ok := w.snapshot(t.id)
	if !ok {
		return
	}
	artifacts := make([]Artifact, 0, len(rec.Formats))
	for _, f := range rec.Formats {
		payload, err := render(f, summary)
		if err != nil {
			w.fail(t.id, err)
			return
		}
		a, err := w.store(ctx, rec, f, payload)
		if err != nil {
			w.fail(t.id, err)
			return
		}
		artifacts = append(artifacts, a)
	}
	w.complete(t.id, artifacts)
}

func (w *Worker) store(ctx context.Context, rec Report, f Format, payload []byte) (Artifact, error) {
	key := Key(rec.TenantID, rec.ID, f)
	info, err := w.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: f.contentType(),
		Metadata:    map[string]string{"tenant_id": rec.TenantID, "report_id": rec.ID},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store %s artifact: %w", f, err)
	}
	a := Artifact{
		Format:      f,
		Key:         key,
		ContentType: f.contentType(),
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		CreatedAt:   w.now().UTC(),
	}
	url, err := w.blobs.PresignURL(ctx, key, blob.SignedURLOptions{})
	switch {
	case err == nil:
		a.URL = url
	case !errors.Is(err, blob.ErrUnsupported):
		w.logger.Warn("presign report artifact", zap.String("key", key), zap.Error(err))
	}
	return a, nil
}

func (w *Worker) snapshot(id string) (Report, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.jobs[id]
	if !ok {
		return Report{}, false
	}
	return rec.copy(), true
}

func (w *Worker) setStatus(id string, status Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec, ok := w.jobs[id]; ok {
		rec.Status = status
		rec.UpdatedAt = w.now().UTC()
	}
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := w.now().UTC()
	w.mu.Lock()
	rec, ok := w.jobs[id]
	if ok {
		rec.Status = StatusSucceeded
		rec.Error = ""
		rec.Artifacts = artifacts
		rec.UpdatedAt = now
		rec.CompletedAt = &now
	}
	var snap Report
	if ok {
		snap = rec.copy()
		w.retire(id)
	}
	w.mu.Unlock()
	if ok {
		w.logger.Info("report stored", zap.String("report_id", id), zap.String("tenant_id", snap.TenantID), zap.Int("artifacts", len(artifacts)))
		w.record(w.ctx, snap, "report_export", nil)
	}
}

func (w *Worker) fail(id string, cause error) {
	now := w.now().UTC()
	w.mu.Lock()
	rec, ok := w.jobs[id]
	if ok {
		rec.Status = StatusFailed
		rec.Error = cause.Error()
		rec.UpdatedAt = now
		rec.CompletedAt = &now
	}
	var snap Report
	if ok {
		snap = rec.copy()
		w.retire(id)
	}
	w.mu.Unlock()
	if ok {
		w.logger.Warn("report failed", zap.String("report_id", id), zap.String("tenant_id", snap.TenantID), zap.Error(cause))
		w.record(w.ctx, snap, "report_export", cause)
	}
}

// retire marks id finished and drops the oldest finished records beyond the
// retention. Callers hold w.mu.
func (w *Worker) retire(id string) {
	w.finished = append(w.finished, id)
	for len(w.finished) > w.retention {
		delete(w.jobs, w.finished[0])
		w.finished[0] = ""
		w.finished = w.finished[1:]
	}
}

func (w *Worker) record(ctx context.Context, rec Report, op string, err error) {
	entry := core.AuditEntry{
		Operation: op,
		TenantID:  rec.TenantID,
		UserID:    rec.RequestedBy,
		EntityID:  rec.ID,
		Status:    core.AuditStatusSuccess,
		Timestamp: w.now().UTC(),
	}
	if rec.CompletedAt != nil {
		entry.Duration = rec.CompletedAt.Sub(rec.CreatedAt)
	}
	if err != nil {
		entry.Status = core.AuditStatusError
		entry.Error = err.Error()
	}
	w.audit.Record(ctx, entry)
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, core.AuditEntry) {}

func render(f Format, s core.DashboardSummary) ([]byte, error) {
	switch f {
	case FormatJSON:
		payload, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		return payload, nil
	case FormatCSV:
		return renderCSV(s)
	default:
		return nil, fmt.Errorf("unsupported report format %s", f)
	}
}

var csvHeader = []string{"property_id", "name", "currency", "total", "total_rounded", "reservation_count", "source"}

// renderCSV writes one row per property followed by one TOTAL row per currency.
func renderCSV(s core.DashboardSummary) ([]byte, error) {
	buf := &bytes.Buffer{}
	cw := csv.NewWriter(buf)
	if err := cw.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, p := range s.Properties {
		row := []string{p.PropertyID, p.Name, string(p.Currency), p.Total.String(), p.TotalRounded, strconv.Itoa(p.Count), string(p.Source)}
		if err := cw.Write(row); err != nil {
			return nil, err
		}
	}
	for _, t := range s.Totals {
		if err := cw.Write([]string{"", "TOTAL", string(t.Currency), t.String(), t.Rounded(), "", string(s.Source)}); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
