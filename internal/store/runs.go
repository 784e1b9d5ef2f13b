// Package store keeps a SQLite history of audit and simulation runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rtpfuzz/internal/audit"
	"rtpfuzz/internal/engine"
	"rtpfuzz/internal/harness"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/protocol"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// RunKind distinguishes stored reports.
type RunKind string

const (
	KindAudit      RunKind = "audit"
	KindSimulation RunKind = "simulation"
)

// Run is one row of run history.
type Run struct {
	ID        string          `json:"id" yaml:"id"`
	Kind      RunKind         `json:"kind" yaml:"kind"`
	Subject   string          `json:"subject" yaml:"subject"`
	StartedAt time.Time       `json:"started_at" yaml:"started_at"`
	Elapsed   time.Duration   `json:"elapsed_ns" yaml:"elapsed"`
	Cancelled bool            `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Summary   json.RawMessage `json:"summary" yaml:"-"`
}

// Store manages the run history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logging.StoreDebug("opened run history at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		elapsed_ns INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		summary_json TEXT NOT NULL,
		body_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);

	-- one row per simulated assignment, in generation order
	CREATE TABLE IF NOT EXISTS simulation_entries (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		assignment_json TEXT NOT NULL,
		verdict TEXT NOT NULL,
		diagnostics_json TEXT NOT NULL,
		elapsed_ns INTEGER NOT NULL,
		PRIMARY KEY (run_id, idx),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_entries_verdict ON simulation_entries(verdict);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveAudit stores an audit report; subject names the audited directory.
func (s *Store) SaveAudit(ctx context.Context, subject string, r *audit.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaryJSON, err := json.Marshal(r.Body.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode audit summary: %w", err)
	}
	bodyJSON, err := json.Marshal(r.Body)
	if err != nil {
		return fmt.Errorf("failed to encode audit body: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, subject, started_at, summary_json, body_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.RunID, string(KindAudit), subject, r.GeneratedAt, string(summaryJSON), string(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to save audit run: %w", err)
	}
	logging.Store("saved audit run %s (%d protocols)", r.RunID, r.Body.Summary.Protocols)
	return nil
}

// SaveSimulation stores a simulation report and its entries atomically.
func (s *Store) SaveSimulation(ctx context.Context, r *harness.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaryJSON, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode simulation summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, kind, subject, started_at, elapsed_ns, cancelled, summary_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, string(KindSimulation), r.Identity, r.StartedAt, int64(r.Elapsed), r.Cancelled, string(summaryJSON))
	if err != nil {
		return fmt.Errorf("failed to save simulation run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO simulation_entries (run_id, idx, assignment_json, verdict, diagnostics_json, elapsed_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range r.Entries {
		assignmentJSON, err := json.Marshal(e.Assignment)
		if err != nil {
			return fmt.Errorf("failed to encode assignment %d: %w", e.Index, err)
		}
		diagJSON, err := json.Marshal(e.Diagnostics)
		if err != nil {
			return fmt.Errorf("failed to encode diagnostics %d: %w", e.Index, err)
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, e.Index, string(assignmentJSON), string(e.Verdict), string(diagJSON), int64(e.Elapsed)); err != nil {
			return fmt.Errorf("failed to save entry %d: %w", e.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit simulation run: %w", err)
	}
	logging.Store("saved simulation run %s (%d entries)", r.RunID, len(r.Entries))
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject, started_at, elapsed_ns, cancelled, summary_json
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var r Run
		var kind, summary string
		var elapsed int64
		if err := rows.Scan(&r.ID, &kind, &r.Subject, &r.StartedAt, &elapsed, &r.Cancelled, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Kind = RunKind(kind)
		r.Elapsed = time.Duration(elapsed)
		r.Summary = json.RawMessage(summary)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run's history row.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRun(ctx, id)
}

func (s *Store) getRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	var kind, summary string
	var elapsed int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, subject, started_at, elapsed_ns, cancelled, summary_json
		FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &kind, &r.Subject, &r.StartedAt, &elapsed, &r.Cancelled, &summary)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	r.Kind = RunKind(kind)
	r.Elapsed = time.Duration(elapsed)
	r.Summary = json.RawMessage(summary)
	return &r, nil
}

// LoadSimulation rebuilds a stored simulation report.
func (s *Store) LoadSimulation(ctx context.Context, id string) (*harness.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, err := s.getRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Kind != KindSimulation {
		return nil, fmt.Errorf("run %s is an %s run", id, run.Kind)
	}

	r := &harness.Report{
		RunID:     run.ID,
		Identity:  run.Subject,
		StartedAt: run.StartedAt,
		Elapsed:   run.Elapsed,
		Cancelled: run.Cancelled,
		Entries:   []harness.Entry{},
	}
	if err := json.Unmarshal(run.Summary, &r.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, assignment_json, verdict, diagnostics_json, elapsed_ns
		FROM simulation_entries
		WHERE run_id = ?
		ORDER BY idx
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e harness.Entry
		var assignmentJSON, verdict, diagJSON string
		var elapsed int64
		if err := rows.Scan(&e.Index, &assignmentJSON, &verdict, &diagJSON, &elapsed); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Assignment = protocol.Assignment{}
		if err := json.Unmarshal([]byte(assignmentJSON), &e.Assignment); err != nil {
			return nil, fmt.Errorf("failed to decode assignment %d: %w", e.Index, err)
		}
		e.Diagnostics = engine.Diagnostics{}
		if err := json.Unmarshal([]byte(diagJSON), &e.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to decode diagnostics %d: %w", e.Index, err)
		}
		e.Verdict = harness.Verdict(verdict)
		e.Elapsed = time.Duration(elapsed)
		r.Entries = append(r.Entries, e)
	}
	return r, rows.Err()
}

// LoadAudit rebuilds a stored audit report.
func (s *Store) LoadAudit(ctx context.Context, id string) (*audit.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var kind string
	var startedAt time.Time
	var body sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT kind, started_at, body_json FROM runs WHERE id = ?`, id).
		Scan(&kind, &startedAt, &body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if RunKind(kind) != KindAudit || !body.Valid {
		return nil, fmt.Errorf("run %s is not an audit run", id)
	}

	r := &audit.Report{RunID: id, GeneratedAt: startedAt}
	if err := json.Unmarshal([]byte(body.String), &r.Body); err != nil {
		return nil, fmt.Errorf("failed to decode audit body: %w", err)
	}
	return r, nil
}
