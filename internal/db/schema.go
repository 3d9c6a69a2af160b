package db

import (
	"context"
	"fmt"
)

const createTables = `
CREATE TABLE IF NOT EXISTS vault_config (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT    NOT NULL,
	username           TEXT,
	encrypted_password BLOB    NOT NULL,
	url                TEXT,
	notes              TEXT,
	category           TEXT    DEFAULT 'Other',
	importance         INTEGER DEFAULT 1,
	tags               TEXT    DEFAULT '',
	created_at         TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS security_logs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp          DATETIME DEFAULT CURRENT_TIMESTAMP,
	encrypted_log_data BLOB NOT NULL
);
`

// Columns added to accounts after the first schema; older stores get them
// through ALTER TABLE.
var accountColumns = []struct {
	name string
	ddl  string
}{
	{"category", `ALTER TABLE accounts ADD COLUMN category TEXT DEFAULT 'Other'`},
	{"importance", `ALTER TABLE accounts ADD COLUMN importance INTEGER DEFAULT 1`},
	{"tags", `ALTER TABLE accounts ADD COLUMN tags TEXT DEFAULT ''`},
}

// Migrate ensures every table exists and upgrades older account tables in place.
func (d *DB) Migrate(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return fmt.Errorf("database handle is nil")
	}
	if _, err := d.sql.ExecContext(ctx, createTables); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	have, err := d.columns(ctx, "accounts")
	if err != nil {
		return err
	}
	for _, col := range accountColumns {
		if have[col.name] {
			continue
		}
		if _, err := d.sql.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add accounts.%s: %w", col.name, err)
		}
	}
	return nil
}

func (d *DB) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s columns: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return cols, nil
}
