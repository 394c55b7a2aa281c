package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// SQLiteStore is the default durable backend. A single sidecar host
// rarely needs more; the schema is identical in spirit to the
// Postgres backend so deployments can switch by config alone.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL keeps status queries readable while a controller commits a
	// transition; the busy timeout covers writer handover.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	// Single writer connection to avoid SQLITE_BUSY under concurrent
	// per-job controllers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, &PersistenceError{Op: "init schema", Err: err}
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		args TEXT,
		memory_limit_bytes INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		last_transition_at DATETIME NOT NULL,
		last_exit_classification TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		pid INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		exit_code INTEGER NOT NULL DEFAULT 0,
		exit_classification TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_attempts_job ON attempts(job_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob adds a new job to the store
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		 created_at, last_transition_at, last_exit_classification, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Command, string(args), job.MemoryLimitBytes, job.Status, job.AttemptCount,
		job.MaxAttempts, job.CreatedAt, job.LastTransitionAt, string(job.LastExitClassification), job.Error)

	if err != nil {
		return &PersistenceError{Op: "create job", Err: err}
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		       created_at, last_transition_at, last_exit_classification, error
		FROM jobs WHERE id = ?
	`, id)

	return scanJob(row)
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var job models.Job
	var argsJSON, classification string

	err := row.Scan(&job.ID, &job.Command, &argsJSON, &job.MemoryLimitBytes, &job.Status,
		&job.AttemptCount, &job.MaxAttempts, &job.CreatedAt, &job.LastTransitionAt,
		&classification, &job.Error)

	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get job", Err: err}
	}

	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal args: %w", err)
		}
	}
	job.LastExitClassification = models.Classification(classification)

	return &job, nil
}

// GetAllJobs returns all jobs
func (s *SQLiteStore) GetAllJobs() ([]*models.Job, error) {
	return s.queryJobs(`
		SELECT id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		       created_at, last_transition_at, last_exit_classification, error
		FROM jobs ORDER BY created_at
	`)
}

// GetJobsInState returns all jobs currently in the given state
func (s *SQLiteStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(`
		SELECT id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		       created_at, last_transition_at, last_exit_classification, error
		FROM jobs WHERE status = ? ORDER BY created_at
	`, string(state))
}

func (s *SQLiteStore) queryJobs(query string, queryArgs ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.Query(query, queryArgs...)
	if err != nil {
		return nil, &PersistenceError{Op: "query jobs", Err: err}
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var job models.Job
		var argsJSON, classification string

		if err := rows.Scan(&job.ID, &job.Command, &argsJSON, &job.MemoryLimitBytes, &job.Status,
			&job.AttemptCount, &job.MaxAttempts, &job.CreatedAt, &job.LastTransitionAt,
			&classification, &job.Error); err != nil {
			return nil, &PersistenceError{Op: "scan job", Err: err}
		}

		if argsJSON != "" {
			// A row that cannot be decoded must surface, not vanish from
			// listings and recovery scans.
			if err := json.Unmarshal([]byte(argsJSON), &job.Args); err != nil {
				return nil, &PersistenceError{Op: "decode job args", Err: err}
			}
		}
		job.LastExitClassification = models.Classification(classification)
		jobs = append(jobs, &job)
	}

	return jobs, nil
}

// UpdateJob replaces the stored record; the single UPDATE statement is
// atomic with respect to concurrent readers.
func (s *SQLiteStore) UpdateJob(job *models.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET command = ?, args = ?, memory_limit_bytes = ?, status = ?,
		       attempt_count = ?, max_attempts = ?, last_transition_at = ?,
		       last_exit_classification = ?, error = ?
		WHERE id = ?
	`, job.Command, string(args), job.MemoryLimitBytes, job.Status, job.AttemptCount,
		job.MaxAttempts, job.LastTransitionAt, string(job.LastExitClassification), job.Error, job.ID)

	if err != nil {
		return &PersistenceError{Op: "update job", Err: err}
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "update job", Err: err}
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	return nil
}

// CreateAttempt opens an attempt record, assigning its ID
func (s *SQLiteStore) CreateAttempt(attempt *models.Attempt) error {
	result, err := s.db.Exec(`
		INSERT INTO attempts (job_id, pid, started_at, exit_code, exit_classification)
		VALUES (?, ?, ?, 0, '')
	`, attempt.JobID, attempt.PID, attempt.StartedAt)

	if err != nil {
		return &PersistenceError{Op: "create attempt", Err: err}
	}

	id, err := result.LastInsertId()
	if err != nil {
		return &PersistenceError{Op: "create attempt", Err: err}
	}
	attempt.ID = id

	return nil
}

// CompleteAttempt closes an open attempt with the observed exit
func (s *SQLiteStore) CompleteAttempt(id int64, endedAt time.Time, exitCode int, classification models.Classification) error {
	result, err := s.db.Exec(`
		UPDATE attempts SET ended_at = ?, exit_code = ?, exit_classification = ?
		WHERE id = ?
	`, endedAt, exitCode, string(classification), id)

	if err != nil {
		return &PersistenceError{Op: "complete attempt", Err: err}
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "complete attempt", Err: err}
	}
	if rows == 0 {
		return ErrAttemptNotFound
	}

	return nil
}

// GetAttempts returns all attempts for a job, oldest first
func (s *SQLiteStore) GetAttempts(jobID string) ([]models.Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, pid, started_at, ended_at, exit_code, exit_classification
		FROM attempts WHERE job_id = ? ORDER BY started_at, id
	`, jobID)
	if err != nil {
		return nil, &PersistenceError{Op: "get attempts", Err: err}
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var endedAt sql.NullTime
		var classification string

		if err := rows.Scan(&a.ID, &a.JobID, &a.PID, &a.StartedAt, &endedAt, &a.ExitCode, &classification); err != nil {
			return nil, &PersistenceError{Op: "scan attempt", Err: err}
		}

		if endedAt.Valid {
			t := endedAt.Time
			a.EndedAt = &t
		}
		a.ExitClassification = models.Classification(classification)
		attempts = append(attempts, a)
	}

	return attempts, nil
}

// GetOpenAttempt returns the attempt with no recorded end, if any
func (s *SQLiteStore) GetOpenAttempt(jobID string) (*models.Attempt, error) {
	row := s.db.QueryRow(`
		SELECT id, job_id, pid, started_at, exit_code, exit_classification
		FROM attempts WHERE job_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1
	`, jobID)

	var a models.Attempt
	var classification string
	err := row.Scan(&a.ID, &a.JobID, &a.PID, &a.StartedAt, &a.ExitCode, &classification)
	if err == sql.ErrNoRows {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get open attempt", Err: err}
	}
	a.ExitClassification = models.Classification(classification)

	return &a, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}
