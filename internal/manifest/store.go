package manifest

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ferebee/beachcomb/internal/apperr"
	"github.com/ferebee/beachcomb/internal/record"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
	source      TEXT NOT NULL,
	dest        TEXT NOT NULL,
	mode        TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	planned     INTEGER NOT NULL DEFAULT 0,
	duplicates  INTEGER NOT NULL DEFAULT 0,
	damaged     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS records (
	run_id       TEXT NOT NULL,
	source_path  TEXT NOT NULL,
	dest_path    TEXT NOT NULL DEFAULT '',
	family       TEXT NOT NULL DEFAULT '',
	subtype      TEXT NOT NULL DEFAULT '',
	integrity    TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	sig          TEXT NOT NULL DEFAULT '',
	fullhash     TEXT NOT NULL DEFAULT '',
	duplicate_of TEXT NOT NULL DEFAULT '',
	date_source  TEXT NOT NULL DEFAULT '',
	date_local   TEXT NOT NULL DEFAULT '',
	UNIQUE(run_id, source_path)
);

CREATE INDEX IF NOT EXISTS idx_records_run ON records(run_id);
`

// Run is one planner invocation's audit entry.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Source     string
	Dest       string
	Mode       string
	Total      int
	Planned    int
	Duplicates int
	Damaged    int
}

// RunLog persists run history. Consumers depend on this interface rather
// than the concrete *Store to ease testing with mocks.
type RunLog interface {
	SaveRun(run Run, recs []*record.Record) error
	ListRuns(limit int) ([]Run, error)
	RunRecords(runID string) ([]*record.Record, error)
	Close() error
}

// Verify *Store satisfies RunLog at compile time.
var _ RunLog = (*Store)(nil)

// Store is the SQLite-backed run log.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (or creates) the audit database and applies the schema.
func OpenStore(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("manifest: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("manifest: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("manifest: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// SaveRun writes the run row and every record within one transaction.
func (s *Store) SaveRun(run Run, recs []*record.Record) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO runs (id, started_at, finished_at, source, dest, mode, total, planned, duplicates, damaged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			total       = excluded.total,
			planned     = excluded.planned,
			duplicates  = excluded.duplicates,
			damaged     = excluded.damaged
	`, run.ID, run.StartedAt, run.FinishedAt, run.Source, run.Dest, run.Mode,
		run.Total, run.Planned, run.Duplicates, run.Damaged)
	if err != nil {
		return fmt.Errorf("manifest: upsert run: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO records
			(run_id, source_path, dest_path, family, subtype, integrity,
			 size_bytes, sig, fullhash, duplicate_of, date_source, date_local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("manifest: prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		_, err := stmt.Exec(run.ID, r.SourcePath, r.DestPath, r.Family, r.Subtype,
			r.Integrity, r.SizeBytes, r.Sig, r.FullHash, r.DuplicateOf,
			r.DateSource, instant(r.Date))
		if err != nil {
			return fmt.Errorf("manifest: insert record %s: %w", r.SourcePath, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.Query(`
		SELECT id, started_at, COALESCE(finished_at, started_at), source, dest, mode,
		       total, planned, duplicates, damaged
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("manifest: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Dest,
			&r.Mode, &r.Total, &r.Planned, &r.Duplicates, &r.Damaged); err != nil {
			return nil, fmt.Errorf("manifest: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunRecords returns the persisted records of one run in source-path order.
// An unknown run ID yields apperr.ErrNotFound.
func (s *Store) RunRecords(runID string) ([]*record.Record, error) {
	var exists int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("manifest: run lookup: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("manifest: run %s: %w", runID, apperr.ErrNotFound)
	}

	rows, err := s.conn.Query(`
		SELECT source_path, dest_path, family, subtype, integrity,
		       size_bytes, sig, fullhash, duplicate_of, date_source, date_local
		FROM records WHERE run_id = ? ORDER BY source_path
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("manifest: run records: %w", err)
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		var r record.Record
		var dateLocal string
		if err := rows.Scan(&r.SourcePath, &r.DestPath, &r.Family, &r.Subtype,
			&r.Integrity, &r.SizeBytes, &r.Sig, &r.FullHash, &r.DuplicateOf,
			&r.DateSource, &dateLocal); err != nil {
			return nil, fmt.Errorf("manifest: scan record: %w", err)
		}
		if dateLocal != "" {
			if t, err := time.ParseInLocation(timeLayout, dateLocal, time.Local); err == nil {
				r.Date = t
			}
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}
