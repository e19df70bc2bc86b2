package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/3leaps/gostage/pkg/sqlstore"
)

const (
	sqlSchemaName    = "replica"
	sqlSchemaVersion = 1
)

const upsertReplica = `
		INSERT INTO replicas (lfn, pfn, site, attributes, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM replicas))
		ON CONFLICT(lfn, pfn, site) DO UPDATE SET attributes = excluded.attributes`

// SQL is a replica catalog stored in a SQLite-compatible database.
type SQL struct {
	db *sql.DB
}

// OpenSQL opens (and creates if needed) a SQL replica catalog for writing.
func OpenSQL(ctx context.Context, cfg sqlstore.Config) (*SQL, error) {
	cfg.ReadOnly = false
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &SQL{db: db}
	if _, err := sqlstore.Apply(ctx, db, sqlstore.Schema{
		Name:    sqlSchemaName,
		Version: sqlSchemaVersion,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS replicas (
				lfn TEXT NOT NULL,
				pfn TEXT NOT NULL,
				site TEXT NOT NULL DEFAULT '',
				attributes TEXT,
				seq INTEGER NOT NULL,
				PRIMARY KEY (lfn, pfn, site)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_replicas_lfn ON replicas(lfn, seq);`,
		},
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// OpenSQLReadOnly opens an existing SQL replica catalog for lookups only.
// Local files are opened with mode=ro; nothing is created or migrated.
func OpenSQLReadOnly(ctx context.Context, cfg sqlstore.Config) (*SQL, error) {
	cfg.ReadOnly = true
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := sqlstore.Version(ctx, db, sqlSchemaName); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("not a replica catalog: %w", err)
	}
	return &SQL{db: db}, nil
}

// Close releases the database.
func (c *SQL) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Insert adds a location for lfn, replacing the attributes of an existing
// (lfn, pfn, site) entry.
func (c *SQL) Insert(ctx context.Context, lfn string, loc Location) error {
	attrs, err := encodeAttributes(lfn, loc)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, upsertReplica, lfn, loc.PFN, loc.Site, attrs); err != nil {
		return fmt.Errorf("insert replica %s: %w", lfn, err)
	}
	return nil
}

// Import copies every record into the catalog in one transaction.
// Returns the number of locations written.
func (c *SQL) Import(ctx context.Context, records []*Record) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertReplica)
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	n := 0
	for _, rec := range records {
		for _, loc := range rec.Locations {
			attrs, err := encodeAttributes(rec.LFN, loc)
			if err != nil {
				return n, err
			}
			if _, err := stmt.ExecContext(ctx, rec.LFN, loc.PFN, loc.Site, attrs); err != nil {
				return n, fmt.Errorf("import replica %s: %w", rec.LFN, err)
			}
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("commit import: %w", err)
	}
	return n, nil
}

// Lookup implements Catalog. Locations come back in insertion order.
func (c *SQL) Lookup(ctx context.Context, lfn string) (*Record, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT pfn, site, attributes FROM replicas WHERE lfn = ? ORDER BY seq`, lfn)
	if err != nil {
		return nil, fmt.Errorf("lookup replica %s: %w", lfn, err)
	}
	defer func() { _ = rows.Close() }()

	var rec *Record
	for rows.Next() {
		var (
			loc   Location
			attrs sql.NullString
		)
		if err := rows.Scan(&loc.PFN, &loc.Site, &attrs); err != nil {
			return nil, fmt.Errorf("scan replica %s: %w", lfn, err)
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &loc.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes for %s: %w", lfn, err)
			}
		}
		if rec == nil {
			rec = &Record{LFN: lfn}
		}
		rec.Locations = append(rec.Locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup replica %s: %w", lfn, err)
	}
	return rec, nil
}

func encodeAttributes(lfn string, loc Location) (any, error) {
	if len(loc.Attributes) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(loc.Attributes)
	if err != nil {
		return nil, fmt.Errorf("encode attributes for %s: %w", lfn, err)
	}
	return string(raw), nil
}

var _ Catalog = (*SQL)(nil)
