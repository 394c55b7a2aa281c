package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrAttemptNotFound = errors.New("attempt not found")
)

// PersistenceError wraps storage-layer failures. The restart
// controller retries these with backoff before escalating; they are
// never conflated with job failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is a storage-layer failure
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Store is the durable record of job lifecycles, surviving supervisor
// restarts. Implementations must make UpdateJob atomic with respect to
// concurrent GetJob calls on the same id, and must never serialize
// operations on unrelated jobs against each other.
type Store interface {
	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() ([]*models.Job, error)
	UpdateJob(job *models.Job) error
	GetJobsInState(state models.JobStatus) ([]*models.Job, error)

	// Attempt operations
	CreateAttempt(attempt *models.Attempt) error
	CompleteAttempt(id int64, endedAt time.Time, exitCode int, classification models.Classification) error
	GetAttempts(jobID string) ([]models.Attempt, error)
	GetOpenAttempt(jobID string) (*models.Attempt, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds storage configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // connection string (postgres) or database path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "sidecar.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
