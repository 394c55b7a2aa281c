package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// PostgresStore is the shared-database backend for deployments where
// several sidecar hosts report into one place. Row-scoped statements
// keep unrelated jobs from serializing against each other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, &PersistenceError{Op: "ping", Err: err}
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, &PersistenceError{Op: "init schema", Err: err}
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		args TEXT,
		memory_limit_bytes BIGINT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_transition_at TIMESTAMPTZ NOT NULL,
		last_exit_classification TEXT,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		pid INTEGER NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		exit_code INTEGER NOT NULL DEFAULT 0,
		exit_classification TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_attempts_job ON attempts(job_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob adds a new job to the store
func (s *PostgresStore) CreateJob(job *models.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		 created_at, last_transition_at, last_exit_classification, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, job.ID, job.Command, string(args), job.MemoryLimitBytes, job.Status, job.AttemptCount,
		job.MaxAttempts, job.CreatedAt, job.LastTransitionAt, string(job.LastExitClassification), job.Error)

	if err != nil {
		return &PersistenceError{Op: "create job", Err: err}
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		       created_at, last_transition_at, last_exit_classification, error
		FROM jobs WHERE id = $1
	`, id)

	return scanJob(row)
}

// GetAllJobs returns all jobs
func (s *PostgresStore) GetAllJobs() ([]*models.Job, error) {
	return s.queryJobs(`
		SELECT id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		       created_at, last_transition_at, last_exit_classification, error
		FROM jobs ORDER BY created_at
	`)
}

// GetJobsInState returns all jobs currently in the given state
func (s *PostgresStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(`
		SELECT id, command, args, memory_limit_bytes, status, attempt_count, max_attempts,
		       created_at, last_transition_at, last_exit_classification, error
		FROM jobs WHERE status = $1 ORDER BY created_at
	`, string(state))
}

func (s *PostgresStore) queryJobs(query string, queryArgs ...interface{}) ([]*models.Job, error) {
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

// UpdateJob replaces the stored record; atomic per job id
func (s *PostgresStore) UpdateJob(job *models.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET command = $1, args = $2, memory_limit_bytes = $3, status = $4,
		       attempt_count = $5, max_attempts = $6, last_transition_at = $7,
		       last_exit_classification = $8, error = $9
		WHERE id = $10
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
func (s *PostgresStore) CreateAttempt(attempt *models.Attempt) error {
	err := s.db.QueryRow(`
		INSERT INTO attempts (job_id, pid, started_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, attempt.JobID, attempt.PID, attempt.StartedAt).Scan(&attempt.ID)

	if err != nil {
		return &PersistenceError{Op: "create attempt", Err: err}
	}
	return nil
}

// CompleteAttempt closes an open attempt with the observed exit
func (s *PostgresStore) CompleteAttempt(id int64, endedAt time.Time, exitCode int, classification models.Classification) error {
	result, err := s.db.Exec(`
		UPDATE attempts SET ended_at = $1, exit_code = $2, exit_classification = $3
		WHERE id = $4
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
func (s *PostgresStore) GetAttempts(jobID string) ([]models.Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, pid, started_at, ended_at, exit_code, exit_classification
		FROM attempts WHERE job_id = $1 ORDER BY started_at, id
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
func (s *PostgresStore) GetOpenAttempt(jobID string) (*models.Attempt, error) {
	row := s.db.QueryRow(`
		SELECT id, job_id, pid, started_at, exit_code, exit_classification
		FROM attempts WHERE job_id = $1 AND ended_at IS NULL
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *PostgresStore) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}
