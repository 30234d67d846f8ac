package checkpoint

import (
	"database/sql"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gokay-avci/unifiedlab/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workers (
	id           TEXT PRIMARY KEY,
	last_seen_ms INTEGER NOT NULL,
	state_json   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	node_id       TEXT,
	full_json     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at_ms);
`

const cursorKey = "cursor"

// WorkerRow is one worker snapshot as stored; the state payload is opaque
// to the store.
type WorkerRow struct {
	ID         string
	LastSeenMS int64
	StateJSON  []byte
}

// Store is the durable snapshot used for restart. Both the coordinator
// and guardians open the same database file; classical delete-mode
// journaling keeps it usable on networked filesystems.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	// The store is accessed from one actor per process; a single
	// connection avoids SQLITE_BUSY churn between them.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertJob persists a single job's current state. Used by guardians for
// lifecycle transitions; the coordinator prefers SaveSnapshot.
func (s *Store) UpsertJob(job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (id, status, updated_at_ms, node_id, full_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   updated_at_ms = excluded.updated_at_ms,
		   node_id = excluded.node_id,
		   full_json = excluded.full_json`,
		job.ID.String(), string(job.Status), job.UpdatedAt.UnixMilli(), job.NodeID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

// SaveSnapshot writes dirty jobs, the worker map, and the log cursor in
// one transaction.
func (s *Store) SaveSnapshot(jobs []*types.Job, workers []WorkerRow, cursor uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO jobs (id, status, updated_at_ms, node_id, full_json)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   status = excluded.status,
			   updated_at_ms = excluded.updated_at_ms,
			   node_id = excluded.node_id,
			   full_json = excluded.full_json`,
			job.ID.String(), string(job.Status), job.UpdatedAt.UnixMilli(), job.NodeID, string(data),
		); err != nil {
			return fmt.Errorf("failed to write job %s: %w", job.ID, err)
		}
	}

	for _, w := range workers {
		if _, err := tx.Exec(
			`INSERT INTO workers (id, last_seen_ms, state_json)
			 VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   last_seen_ms = excluded.last_seen_ms,
			   state_json = excluded.state_json`,
			w.ID, w.LastSeenMS, string(w.StateJSON),
		); err != nil {
			return fmt.Errorf("failed to write worker %s: %w", w.ID, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatUint(cursor, 10),
	); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// LoadJobs returns every persisted job.
func (s *Store) LoadJobs() ([]*types.Job, error) {
	rows, err := s.db.Query(`SELECT full_json FROM jobs`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		var job types.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("failed to decode job row: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// GetJob returns one job by id, or (nil, nil) when absent.
func (s *Store) GetJob(id uuid.UUID) (*types.Job, error) {
	var data string
	err := s.db.QueryRow(`SELECT full_json FROM jobs WHERE id = ?`, id.String()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", id, err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// LoadWorkers returns every persisted worker snapshot.
func (s *Store) LoadWorkers() ([]WorkerRow, error) {
	rows, err := s.db.Query(`SELECT id, last_seen_ms, state_json FROM workers`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerRow
	for rows.Next() {
		var w WorkerRow
		var state string
		if err := rows.Scan(&w.ID, &w.LastSeenMS, &state); err != nil {
			return nil, fmt.Errorf("failed to scan worker row: %w", err)
		}
		w.StateJSON = []byte(state)
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// Cursor returns the persisted broadcast log cursor. ok is false when no
// cursor has ever been saved.
func (s *Store) Cursor() (uint64, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query cursor: %w", err)
	}
	cursor, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse cursor %q: %w", value, err)
	}
	return cursor, true, nil
}

// CountByStatus returns job counts grouped by status, for dashboards.
func (s *Store) CountByStatus() (map[types.JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[types.JobStatus(status)] = n
	}
	return counts, rows.Err()
}
