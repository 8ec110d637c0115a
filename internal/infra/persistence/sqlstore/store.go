package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"propledger/pkg/domain"
	"propledger/pkg/money"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store is a domain.PersistentStore backed by a SQL database.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	nowFn   func() time.Time
}

// New wraps an open database handle. The schema must already be applied.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      sqlx.NewDb(db, dialect.Name),
		dialect: dialect,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for CreatedAt defaults.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// DB exposes the underlying handle for integration hooks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ApplySchema executes DDL statements in order inside one transaction.
func ApplySchema(ctx context.Context, db *sql.DB, statements []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ddl: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ddl: %w", err)
	}
	committed = true
	return nil
}

// RunInTransaction opens a database transaction bound to tenantID, runs fn and
// commits when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, tenantID string, fn func(domain.Transaction) error) (domain.Result, error) {
	if tenantID == "" {
		return domain.Result{}, domain.ErrTenantRequired
	}
	tx, err := s.begin(ctx, tenantID, false)
	if err != nil {
		return domain.Result{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	t := &transaction{view: view{ctx: ctx, tx: tx, tenantID: tenantID, dialect: s.dialect}, now: s.nowFn()}
	if err := fn(t); err != nil {
		return domain.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Result{}, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return domain.Result{TenantID: tenantID, Changes: t.changes}, nil
}

// View runs fn inside a tenant-bound transaction that is always rolled back.
func (s *Store) View(ctx context.Context, tenantID string, fn func(domain.TransactionView) error) error {
	if tenantID == "" {
		return domain.ErrTenantRequired
	}
	tx, err := s.begin(ctx, tenantID, s.dialect.ReadOnlyViews)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&view{ctx: ctx, tx: tx, tenantID: tenantID, dialect: s.dialect})
}

func (s *Store) begin(ctx context.Context, tenantID string, readOnly bool) (*sqlx.Tx, error) {
	var opts *sql.TxOptions
	if readOnly {
		opts = &sql.TxOptions{ReadOnly: true}
	}
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	if err := s.requireTenant(ctx, tx, tenantID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if s.dialect.BindTenant != nil {
		if err := s.dialect.BindTenant(ctx, tx, tenantID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("bind tenant: %w", err)
		}
	}
	return tx, nil
}

func (s *Store) requireTenant(ctx context.Context, q sqlx.QueryerContext, tenantID string) error {
	query, args, err := s.dialect.builder().Select("COUNT(*)").From("tenants").Where(sq.Eq{"id": tenantID}).ToSql()
	if err != nil {
		return err
	}
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return fmt.Errorf("lookup tenant: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound{Entity: domain.EntityTenant, ID: tenantID}
	}
	return nil
}

type tenantRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt dbTime `db:"created_at"`
}

func (r tenantRow) toDomain() domain.Tenant {
	return domain.Tenant{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt.Time}
}

// CreateTenant inserts a tenant.
func (s *Store) CreateTenant(ctx context.Context, tenant domain.Tenant) (domain.Tenant, error) {
	t, err := domain.PrepareTenant(tenant, s.nowFn())
	if err != nil {
		return domain.Tenant{}, err
	}
	query, args, err := s.dialect.builder().Insert("tenants").
		Columns("id", "name", "created_at").
		Values(t.ID, t.Name, s.dialect.encodeTime(t.CreatedAt)).ToSql()
	if err != nil {
		return domain.Tenant{}, err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.uniqueViolation(err) {
			return domain.Tenant{}, domain.ErrConflict
		}
		return domain.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// GetTenant returns one tenant.
func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	query, args, err := s.dialect.builder().Select("id", "name", "created_at").From("tenants").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Tenant{}, err
	}
	var row tenantRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Tenant{}, domain.ErrNotFound{Entity: domain.EntityTenant, ID: id}
		}
		return domain.Tenant{}, fmt.Errorf("select tenant: %w", err)
	}
	return row.toDomain(), nil
}

// ListTenants returns all tenants ordered by ID.
func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	query, args, err := s.dialect.builder().Select("id", "name", "created_at").From("tenants").OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []tenantRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select tenants: %w", err)
	}
	out := make([]domain.Tenant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

type userRow struct {
	ID           string `db:"id"`
	TenantID     string `db:"tenant_id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	Role         string `db:"role"`
	CreatedAt    dbTime `db:"created_at"`
}

func (r userRow) toDomain() domain.User {
	return domain.User{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         domain.Role(r.Role),
		CreatedAt:    r.CreatedAt.Time,
	}
}

var userColumns = []string{"id", "tenant_id", "email", "password_hash", "role", "created_at"}

// CreateUser inserts a user after confirming the tenant exists.
func (s *Store) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	u, err := domain.PrepareUser(user, s.nowFn())
	if err != nil {
		return domain.User{}, err
	}
	if err := s.requireTenant(ctx, s.db, u.TenantID); err != nil {
		return domain.User{}, err
	}
	query, args, err := s.dialect.builder().Insert("users").
		Columns(userColumns...).
		Values(u.ID, u.TenantID, u.Email, u.PasswordHash, string(u.Role), s.dialect.encodeTime(u.CreatedAt)).ToSql()
	if err != nil {
		return domain.User{}, err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if s.dialect.uniqueViolation(err) {
			return domain.User{}, domain.ErrConflict
		}
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// FindUserByEmail looks a user up by normalised email across tenants; used by login.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (domain.User, error) {
	key := domain.NormalizeEmail(email)
	return s.findUser(ctx, sq.Eq{"email": key}, key)
}

// FindUser returns a user only when it belongs to tenantID.
func (s *Store) FindUser(ctx context.Context, tenantID, id string) (domain.User, error) {
	return s.findUser(ctx, sq.Eq{"tenant_id": tenantID, "id": id}, id)
}

func (s *Store) findUser(ctx context.Context, pred sq.Eq, label string) (domain.User, error) {
	query, args, err := s.dialect.builder().Select(userColumns...).From("users").Where(pred).ToSql()
	if err != nil {
		return domain.User{}, err
	}
	var row userRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: label}
		}
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	return row.toDomain(), nil
}

type view struct {
	ctx      context.Context
	tx       *sqlx.Tx
	tenantID string
	dialect  Dialect
}

func (v *view) TenantID() string { return v.tenantID }

type propertyRow struct {
	ID        string `db:"id"`
	TenantID  string `db:"tenant_id"`
	Name      string `db:"name"`
	Timezone  string `db:"timezone"`
	Currency  string `db:"currency"`
	CreatedAt dbTime `db:"created_at"`
}

func (r propertyRow) toDomain() domain.Property {
	return domain.Property{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Name:      r.Name,
		Timezone:  r.Timezone,
		Currency:  money.Currency(r.Currency),
		CreatedAt: r.CreatedAt.Time,
	}
}

var propertyColumns = []string{"id", "tenant_id", "name", "timezone", "currency", "created_at"}

func (v *view) ListProperties() ([]domain.Property, error) {
	query, args, err := v.dialect.builder().Select(propertyColumns...).From("properties").
		Where(sq.Eq{"tenant_id": v.tenantID}).OrderBy("id").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []propertyRow
	if err := v.tx.SelectContext(v.ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select properties: %w", err)
	}
	out := make([]domain.Property, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (v *view) FindProperty(id string) (domain.Property, bool, error) {
	query, args, err := v.dialect.builder().Select(propertyColumns...).From("properties").
		Where(sq.Eq{"tenant_id": v.tenantID, "id": id}).ToSql()
	if err != nil {
		return domain.Property{}, false, err
	}
	var row propertyRow
	if err := v.tx.GetContext(v.ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Property{}, false, nil
		}
		return domain.Property{}, false, fmt.Errorf("select property: %w", err)
	}
	return row.toDomain(), true, nil
}

type reservationRow struct {
	ID          string `db:"id"`
	TenantID    string `db:"tenant_id"`
	PropertyID  string `db:"property_id"`
	GuestName   string `db:"guest_name"`
	CheckIn     dbTime `db:"check_in"`
	CheckOut    dbTime `db:"check_out"`
	TotalAmount string `db:"total_amount"`
	Currency    string `db:"currency"`
	Status      string `db:"status"`
	CreatedAt   dbTime `db:"created_at"`
}

func (r reservationRow) toDomain() (domain.Reservation, error) {
	total, err := money.Parse(r.TotalAmount, money.Currency(r.Currency))
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reservation %s amount: %w", r.ID, err)
	}
	return domain.Reservation{
		ID:         r.ID,
		TenantID:   r.TenantID,
		PropertyID: r.PropertyID,
		GuestName:  r.GuestName,
		CheckIn:    r.CheckIn.Time,
		CheckOut:   r.CheckOut.Time,
		Total:      total,
		Status:     domain.ReservationStatus(r.Status),
		CreatedAt:  r.CreatedAt.Time,
	}, nil
}

func (v *view) reservationSelect() sq.SelectBuilder {
	return v.dialect.builder().Select(
		"id", "tenant_id", "property_id", "guest_name", "check_in", "check_out",
		v.dialect.amountColumn(), "currency", "status", "created_at",
	).From("reservations")
}

func (v *view) applyFilter(b sq.SelectBuilder, filter domain.ReservationFilter) sq.SelectBuilder {
	b = b.Where(sq.Eq{"tenant_id": v.tenantID})
	if filter.PropertyID != "" {
		b = b.Where(sq.Eq{"property_id": filter.PropertyID})
	}
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.CheckIn != nil {
		b = b.Where(sq.GtOrEq{"check_in": v.dialect.encodeTime(filter.CheckIn.From)}).
			Where(sq.Lt{"check_in": v.dialect.encodeTime(filter.CheckIn.To)})
	}
	return b
}

func (v *view) ListReservations(filter domain.ReservationFilter) ([]domain.Reservation, error) {
	query, args, err := v.applyFilter(v.reservationSelect(), filter).OrderBy("check_in", "id").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []reservationRow
	if err := v.tx.SelectContext(v.ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	out := make([]domain.Reservation, 0, len(rows))
	for _, r := range rows {
		res, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (v *view) FindReservation(id string) (domain.Reservation, bool, error) {
	query, args, err := v.reservationSelect().Where(sq.Eq{"tenant_id": v.tenantID, "id": id}).ToSql()
	if err != nil {
		return domain.Reservation{}, false, err
	}
	var row reservationRow
	if err := v.tx.GetContext(v.ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, false, nil
		}
		return domain.Reservation{}, false, fmt.Errorf("select reservation: %w", err)
	}
	res, err := row.toDomain()
	if err != nil {
		return domain.Reservation{}, false, err
	}
	return res, true, nil
}

func (v *view) SumRevenue(propertyID string, window *domain.DateRange) (domain.RevenueAggregate, error) {
	prop, ok, err := v.FindProperty(propertyID)
	if err != nil {
		return domain.RevenueAggregate{}, err
	}
	if !ok {
		return domain.RevenueAggregate{}, domain.ErrNotFound{Entity: domain.EntityProperty, ID: propertyID}
	}
	filter := domain.ReservationFilter{PropertyID: propertyID, Status: domain.ReservationConfirmed, CheckIn: window}
	if v.dialect.SumInDatabase {
		return v.sumInDatabase(prop, filter)
	}
	return v.sumInProcess(prop, filter)
}

func (v *view) sumInDatabase(prop domain.Property, filter domain.ReservationFilter) (domain.RevenueAggregate, error) {
	b := v.dialect.builder().Select(v.dialect.SumColumn, "COUNT(*)").From("reservations")
	query, args, err := v.applyFilter(b, filter).ToSql()
	if err != nil {
		return domain.RevenueAggregate{}, err
	}
	var (
		sum   string
		count int
	)
	if err := v.tx.QueryRowxContext(v.ctx, query, args...).Scan(&sum, &count); err != nil {
		return domain.RevenueAggregate{}, fmt.Errorf("sum revenue: %w", err)
	}
	total, err := money.Parse(sum, prop.Currency)
	if err != nil {
		return domain.RevenueAggregate{}, fmt.Errorf("sum revenue: %w", err)
	}
	return domain.RevenueAggregate{PropertyID: prop.ID, Total: total, Count: count}, nil
}

func (v *view) sumInProcess(prop domain.Property, filter domain.ReservationFilter) (domain.RevenueAggregate, error) {
	b := v.dialect.builder().Select(v.dialect.amountColumn(), "currency").From("reservations")
	query, args, err := v.applyFilter(b, filter).ToSql()
	if err != nil {
		return domain.RevenueAggregate{}, err
	}
	rows, err := v.tx.QueryxContext(v.ctx, query, args...)
	if err != nil {
		return domain.RevenueAggregate{}, fmt.Errorf("sum revenue: %w", err)
	}
	defer func() { _ = rows.Close() }()
	total := money.Zero(prop.Currency)
	count := 0
	for rows.Next() {
		var amount, currency string
		if err := rows.Scan(&amount, &currency); err != nil {
			return domain.RevenueAggregate{}, fmt.Errorf("scan amount: %w", err)
		}
		a, err := money.Parse(amount, money.Currency(currency))
		if err != nil {
			return domain.RevenueAggregate{}, err
		}
		if total, err = total.Add(a); err != nil {
			return domain.RevenueAggregate{}, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return domain.RevenueAggregate{}, fmt.Errorf("iterate amounts: %w", err)
	}
	return domain.RevenueAggregate{PropertyID: prop.ID, Total: total, Count: count}, nil
}

type transaction struct {
	view
	now     time.Time
	changes []domain.Change
}

func (tx *transaction) CreateProperty(p domain.Property) (domain.Property, error) {
	prepared, err := domain.PrepareProperty(tx.tenantID, p, tx.now)
	if err != nil {
		return domain.Property{}, err
	}
	query, args, err := tx.dialect.builder().Insert("properties").
		Columns(propertyColumns...).
		Values(prepared.ID, prepared.TenantID, prepared.Name, prepared.Timezone, string(prepared.Currency), tx.dialect.encodeTime(prepared.CreatedAt)).
		ToSql()
	if err != nil {
		return domain.Property{}, err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		if tx.dialect.uniqueViolation(err) {
			return domain.Property{}, domain.ErrConflict
		}
		return domain.Property{}, fmt.Errorf("insert property: %w", err)
	}
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityProperty, Action: domain.ActionCreate, ID: prepared.ID, PropertyID: prepared.ID})
	return prepared, nil
}

func (tx *transaction) CreateReservation(r domain.Reservation) (domain.Reservation, error) {
	prop, ok, err := tx.FindProperty(r.PropertyID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound{Entity: domain.EntityProperty, ID: r.PropertyID}
	}
	prepared, err := domain.PrepareReservation(prop, r, tx.now)
	if err != nil {
		return domain.Reservation{}, err
	}
	query, args, err := tx.dialect.builder().Insert("reservations").
		Columns("id", "tenant_id", "property_id", "guest_name", "check_in", "check_out", "total_amount", "currency", "status", "created_at").
		Values(
			prepared.ID, prepared.TenantID, prepared.PropertyID, prepared.GuestName,
			tx.dialect.encodeTime(prepared.CheckIn), tx.dialect.encodeTime(prepared.CheckOut),
			prepared.Total.String(), string(prepared.Total.Currency), string(prepared.Status),
			tx.dialect.encodeTime(prepared.CreatedAt),
		).ToSql()
	if err != nil {
		return domain.Reservation{}, err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		if tx.dialect.uniqueViolation(err) {
			return domain.Reservation{}, domain.ErrConflict
		}
		return domain.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityReservation, Action: domain.ActionCreate, ID: prepared.ID, PropertyID: prepared.PropertyID})
	return prepared, nil
}

func (tx *transaction) CancelReservation(id string) (domain.Reservation, error) {
	r, ok, err := tx.FindReservation(id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound{Entity: domain.EntityReservation, ID: id}
	}
	if r.Status == domain.ReservationCancelled {
		return r, nil
	}
	query, args, err := tx.dialect.builder().Update("reservations").
		Set("status", string(domain.ReservationCancelled)).
		Where(sq.Eq{"tenant_id": tx.tenantID, "id": id}).ToSql()
	if err != nil {
		return domain.Reservation{}, err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, query, args...); err != nil {
		return domain.Reservation{}, fmt.Errorf("cancel reservation: %w", err)
	}
	r.Status = domain.ReservationCancelled
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityReservation, Action: domain.ActionUpdate, ID: id, PropertyID: r.PropertyID})
	return r, nil
}
