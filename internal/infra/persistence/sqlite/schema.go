package sqlite

// Amounts are TEXT so that SQLite never coerces them to REAL; revenue is
// summed in Go. Timestamps use sqlstore.TextTimeLayout, which sorts lexically.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS properties (
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		guest_name TEXT NOT NULL,
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id),
		FOREIGN KEY (tenant_id, property_id) REFERENCES properties(tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS reservations_property_check_in
		ON reservations (tenant_id, property_id, check_in)`,
}

// Schema returns the DDL statements applied by NewStore.
func Schema() []string {
	out := make([]string, len(schema))
	copy(out, schema)
	return out
}
