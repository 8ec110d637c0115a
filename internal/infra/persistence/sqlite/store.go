// Package sqlite provides an embedded SQLite-backed persistent store using the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"propledger/internal/infra/persistence/sqlstore"
	"propledger/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	driverName  = "sqlite"
	defaultPath = "propledger.db"
)

// Dialect describes SQLite to the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:          driverName,
	Placeholder:   sq.Question,
	SumInDatabase: false,
	EncodeTime:    sqlstore.EncodeTextTime,
	IsUniqueViolation: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// Store persists tenant data to a single SQLite file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the SQLite database at path and applies the schema.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway and a single
	// connection keeps transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := sqlstore.ApplySchema(ctx, db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: sqlstore.New(db, Dialect), path: path}, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
