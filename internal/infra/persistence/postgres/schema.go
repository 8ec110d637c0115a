package postgres

import "fmt"

// TenantSetting is the session setting consulted by the row-level-security policies.
const TenantSetting = "app.current_tenant"

// tenantTables carry a tenant_id column and are protected by RLS.
var tenantTables = []string{"properties", "reservations"}

var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL,
		currency CHAR(3) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		guest_name TEXT NOT NULL,
		check_in TIMESTAMPTZ NOT NULL,
		check_out TIMESTAMPTZ NOT NULL,
		total_amount NUMERIC(14,3) NOT NULL CHECK (total_amount >= 0),
		currency CHAR(3) NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id),
		FOREIGN KEY (tenant_id, property_id) REFERENCES properties(tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS reservations_property_check_in
		ON reservations (tenant_id, property_id, check_in)`,
}

// rlsStatements enables and forces row-level security on a tenant table. FORCE
// makes the policy apply to the table owner too, which is the role the
// service normally connects as. current_setting(..., true) yields NULL when
// the setting is absent, so an unbound session matches no rows.
func rlsStatements(table string) []string {
	policy := table + "_tenant_isolation"
	predicate := fmt.Sprintf("tenant_id = current_setting('%s', true)", TenantSetting)
	return []string{
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
		fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table),
		fmt.Sprintf(`DROP POLICY IF EXISTS %s ON %s`, policy, table),
		fmt.Sprintf(`CREATE POLICY %s ON %s USING (%s) WITH CHECK (%s)`, policy, table, predicate, predicate),
	}
}

// Schema returns the full DDL applied by NewStore, RLS policies included.
func Schema() []string {
	out := make([]string, 0, len(baseSchema)+4*len(tenantTables))
	out = append(out, baseSchema...)
	for _, table := range tenantTables {
		out = append(out, rlsStatements(table)...)
	}
	return out
}
