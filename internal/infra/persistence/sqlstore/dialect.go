// Package sqlstore implements domain.PersistentStore over database/sql. The
// sqlite and postgres packages supply a Dialect and their DDL; the queries,
// tenant predicates and exact revenue arithmetic live here once.
package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	// Name is the database/sql driver name passed to sqlx.
	Name string
	// Placeholder is the bind variable style (squirrel.Question or squirrel.Dollar).
	Placeholder sq.PlaceholderFormat
	// BindTenant runs at the start of every tenant-bound transaction. Postgres
	// uses it to set the row-level-security tenant setting.
	BindTenant func(ctx context.Context, tx *sqlx.Tx, tenantID string) error
	// SumInDatabase selects SUM() over a NUMERIC column. When false the
	// amounts are fetched as text and summed with exact decimals in Go.
	SumInDatabase bool
	// SumColumn is the aggregate select expression used when SumInDatabase is
	// set. It must yield the exact total as text.
	SumColumn string
	// AmountColumn is the select expression that yields total_amount as text.
	AmountColumn string
	// ReadOnlyViews opens View transactions with ReadOnly set.
	ReadOnlyViews bool
	// EncodeTime converts a timestamp into the driver argument stored in the database.
	EncodeTime func(time.Time) any
	// IsUniqueViolation reports whether err is a primary key or unique constraint failure.
	IsUniqueViolation func(error) bool
}

func (d Dialect) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder)
}

func (d Dialect) encodeTime(t time.Time) any {
	if d.EncodeTime == nil {
		return t.UTC()
	}
	return d.EncodeTime(t.UTC())
}

func (d Dialect) amountColumn() string {
	if d.AmountColumn == "" {
		return "total_amount"
	}
	return d.AmountColumn
}

func (d Dialect) uniqueViolation(err error) bool {
	if err == nil || d.IsUniqueViolation == nil {
		return false
	}
	return d.IsUniqueViolation(err)
}

// TextTimeLayout is a fixed-width UTC layout whose lexical order matches
// chronological order, used for backends without a native timestamp type.
const TextTimeLayout = "2006-01-02T15:04:05.000000000Z"

// EncodeTextTime formats t with TextTimeLayout.
func EncodeTextTime(t time.Time) any { return t.UTC().Format(TextTimeLayout) }

// dbTime scans either a native timestamp or a text timestamp.
type dbTime struct{ time.Time }

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("sqlstore: cannot scan %T into time", src)
	}
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSpace(s)
	for _, layout := range []string{TextTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("sqlstore: unrecognised timestamp %q", s)
}
