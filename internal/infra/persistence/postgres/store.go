// Package postgres provides a Postgres-backed persistent store. Tenant tables
// are guarded twice: every query carries an explicit tenant predicate, and
// row-level-security policies bound to a per-transaction setting reject any
// row from another tenant even if a predicate is missed.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/jmoiron/sqlx"

	"propledger/internal/infra/persistence/sqlstore"
	"propledger/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver       = "pgx"
	defaultDSN          = "postgres://localhost/propledger?sslmode=disable"
	uniqueViolationCode = "23505"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect describes Postgres to the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:          defaultDriver,
	Placeholder:   sq.Dollar,
	BindTenant:    bindTenant,
	SumInDatabase: true,
	SumColumn:     "COALESCE(SUM(total_amount), 0)::text",
	AmountColumn:  "total_amount::text AS total_amount",
	ReadOnlyViews: true,
	IsUniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
	},
}

// bindTenant scopes the RLS setting to the current transaction (is_local = true),
// so pooled connections never carry a tenant into the next transaction.
func bindTenant(ctx context.Context, tx *sqlx.Tx, tenantID string) error {
	_, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, TenantSetting, tenantID)
	return err
}

// Store persists tenant data to Postgres.
type Store struct {
	*sqlstore.Store
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to
// defaultDSN) and applies the schema including RLS policies.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := sqlstore.ApplySchema(ctx, db, Schema()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqlstore.New(db, Dialect)}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
