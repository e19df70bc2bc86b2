// Package planstore persists transfer plans in SQLite so a run can be
// inspected after the planner has exited.
package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gostage/pkg/output"
	"github.com/3leaps/gostage/pkg/sqlstore"
)

const schemaVersion = 1

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("plan run not found")

var schema = sqlstore.Schema{
	Name:    "plan",
	Version: schemaVersion,
	Statements: []string{
		`CREATE TABLE IF NOT EXISTS plan_runs (
			run_id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			summary TEXT,
			error_message TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS plan_nodes (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			job_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			runs_locally INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			parent TEXT,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plan_nodes_job ON plan_nodes(run_id, job_id);`,
		`CREATE TABLE IF NOT EXISTS plan_placements (
			run_id TEXT NOT NULL,
			lfn TEXT NOT NULL,
			pfn TEXT NOT NULL,
			site TEXT NOT NULL,
			PRIMARY KEY (run_id, lfn)
		);`,
	},
}

// Store is a SQLite-backed plan store.
type Store struct {
	db *sql.DB
}

// Config configures the store location.
type Config = sqlstore.Config

// Run is one recorded planning run.
type Run struct {
	RunID      string
	Workflow   string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    *output.SummaryRecord
	Error      string
}

// Open opens or creates a plan store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" && cfg.URL == "" {
		return nil, fmt.Errorf("plan store path is required")
	}
	db, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if _, err := sqlstore.Apply(ctx, db, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginRun records a run as running. Starting an existing run resets it.
func (s *Store) BeginRun(ctx context.Context, runID, workflow string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plan_runs (run_id, workflow, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow=excluded.workflow,
			status=excluded.status,
			started_at=excluded.started_at,
			finished_at=NULL,
			summary=NULL,
			error_message=NULL
	`, runID, workflow, StatusRunning, now); err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	for _, table := range []string{"plan_nodes", "plan_placements"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, runID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// PutNodes appends nodes to a run in one transaction, keeping their order.
func (s *Store) PutNodes(ctx context.Context, runID string, nodes []output.NodeRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM plan_nodes WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return fmt.Errorf("next node seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plan_nodes (run_id, node_id, seq, kind, job_id, level, runs_locally, deleted, parent, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			kind=excluded.kind,
			job_id=excluded.job_id,
			level=excluded.level,
			runs_locally=excluded.runs_locally,
			deleted=excluded.deleted,
			parent=excluded.parent,
			payload=excluded.payload
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i := range nodes {
		n := &nodes[i]
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", n.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			runID, n.ID, seq+i, n.Kind, n.JobID, n.Level, n.RunsLocally, n.Deleted, nullable(n.Parent), string(payload),
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

// PutPlacements records where each logical file sits after the run.
func (s *Store) PutPlacements(ctx context.Context, runID string, placements []output.PlacementRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range placements {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_placements (run_id, lfn, pfn, site) VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, lfn) DO UPDATE SET pfn=excluded.pfn, site=excluded.site
		`, runID, p.LFN, p.PFN, p.Site); err != nil {
			return fmt.Errorf("insert placement %s: %w", p.LFN, err)
		}
	}
	return tx.Commit()
}

// FinishRun marks a run complete with its summary, or failed when runErr is
// not nil.
func (s *Store) FinishRun(ctx context.Context, runID string, summary *output.SummaryRecord, runErr error) error {
	status, message := StatusComplete, ""
	if runErr != nil {
		status, message = StatusFailed, runErr.Error()
	}

	var encoded any
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		encoded = string(b)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_runs SET status = ?, finished_at = ?, summary = ?, error_message = ?
		WHERE run_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), encoded, nullable(message), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Run returns the recorded run.
func (s *Store) Run(ctx context.Context, runID string) (*Run, error) {
	var (
		r                 Run
		started           string
		finished, summary sql.NullString
		errMessage        sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow, status, started_at, finished_at, summary, error_message
		FROM plan_runs WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.Workflow, &r.Status, &started, &finished, &summary, &errMessage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	if summary.Valid {
		r.Summary = &output.SummaryRecord{}
		if err := json.Unmarshal([]byte(summary.String), r.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	r.Error = errMessage.String
	return &r, nil
}

// Nodes returns the nodes of a run in insertion order.
func (s *Store) Nodes(ctx context.Context, runID string) ([]output.NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM plan_nodes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []output.NodeRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var n output.NodeRecord
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Placements returns the placements of a run ordered by logical name.
func (s *Store) Placements(ctx context.Context, runID string) ([]output.PlacementRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lfn, pfn, site FROM plan_placements WHERE run_id = ? ORDER BY lfn`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []output.PlacementRecord
	for rows.Next() {
		var p output.PlacementRecord
		if err := rows.Scan(&p.LFN, &p.PFN, &p.Site); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
