package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema describes the tables owned by one store.
type Schema struct {
	// Name prefixes the meta table, e.g. "plan" creates plan_meta.
	Name string

	// Version is recorded the first time the schema is applied.
	Version int

	// Statements are applied in order; each must be idempotent.
	Statements []string
}

// Apply creates the meta table and runs every statement.
//
// Returns the schema version recorded in the database, which differs from
// s.Version when the database was created by another release.
func Apply(ctx context.Context, db *sql.DB, s Schema) (int, error) {
	meta := s.Name + "_meta"
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+meta+` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`); err != nil {
		return 0, fmt.Errorf("init %s schema: %w", s.Name, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+meta+` (id, schema_version, created_at) VALUES (1, ?, ?);`,
		s.Version, now); err != nil {
		return 0, fmt.Errorf("init %s schema meta: %w", s.Name, err)
	}

	for _, stmt := range s.Statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("init %s schema: %w", s.Name, err)
		}
	}

	var version int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM `+meta+` WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read %s schema version: %w", s.Name, err)
	}
	return version, nil
}

// Version reads the schema version recorded for name without changing the
// database. It fails when the schema was never applied.
func Version(ctx context.Context, db *sql.DB, name string) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM `+name+`_meta WHERE id = 1`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read %s schema version: %w", name, err)
	}
	return version, nil
}
