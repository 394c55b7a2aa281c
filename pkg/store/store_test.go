package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// Both backends share one behavioral suite: deployments switch between
// them by config alone, so they must be indistinguishable here.
func testBackends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func testJob(id string) *models.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Job{
		ID:               id,
		Command:          "python3",
		Args:             []string{"worker.py", "--model", "sdxl"},
		MemoryLimitBytes: 8 << 30,
		Status:           models.JobStatusPending,
		MaxAttempts:      3,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			job := testJob("job-rt")
			if err := s.CreateJob(job); err != nil {
				t.Fatalf("CreateJob failed: %v", err)
			}

			got, err := s.GetJob("job-rt")
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}

			if got.Command != job.Command {
				t.Errorf("Command = %q, want %q", got.Command, job.Command)
			}
			if len(got.Args) != 3 || got.Args[2] != "sdxl" {
				t.Errorf("Args not preserved: %v", got.Args)
			}
			if got.MemoryLimitBytes != job.MemoryLimitBytes {
				t.Errorf("MemoryLimitBytes = %d, want %d", got.MemoryLimitBytes, job.MemoryLimitBytes)
			}
			if got.Status != models.JobStatusPending {
				t.Errorf("Status = %s, want pending", got.Status)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetJob("no-such-job"); err != ErrJobNotFound {
				t.Errorf("Expected ErrJobNotFound, got %v", err)
			}
		})
	}
}

func TestUpdateJob(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			job := testJob("job-upd")
			if err := s.CreateJob(job); err != nil {
				t.Fatalf("CreateJob failed: %v", err)
			}

			job.Status = models.JobStatusRunning
			job.AttemptCount = 1
			job.LastExitClassification = models.ClassificationCrashed
			if err := s.UpdateJob(job); err != nil {
				t.Fatalf("UpdateJob failed: %v", err)
			}

			got, err := s.GetJob("job-upd")
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if got.Status != models.JobStatusRunning {
				t.Errorf("Status = %s, want running", got.Status)
			}
			if got.AttemptCount != 1 {
				t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
			}
			if got.LastExitClassification != models.ClassificationCrashed {
				t.Errorf("LastExitClassification = %s, want crashed", got.LastExitClassification)
			}
		})
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.UpdateJob(testJob("ghost")); err != ErrJobNotFound {
				t.Errorf("Expected ErrJobNotFound, got %v", err)
			}
		})
	}
}

func TestGetJobsInState(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				job := testJob(fmt.Sprintf("job-state-%d", i))
				if i == 0 {
					job.Status = models.JobStatusRunning
				}
				if err := s.CreateJob(job); err != nil {
					t.Fatalf("CreateJob failed: %v", err)
				}
			}

			running, err := s.GetJobsInState(models.JobStatusRunning)
			if err != nil {
				t.Fatalf("GetJobsInState failed: %v", err)
			}
			if len(running) != 1 {
				t.Errorf("Expected 1 running job, got %d", len(running))
			}

			pending, err := s.GetJobsInState(models.JobStatusPending)
			if err != nil {
				t.Fatalf("GetJobsInState failed: %v", err)
			}
			if len(pending) != 2 {
				t.Errorf("Expected 2 pending jobs, got %d", len(pending))
			}
		})
	}
}

func TestAttemptLifecycle(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			job := testJob("job-att")
			if err := s.CreateJob(job); err != nil {
				t.Fatalf("CreateJob failed: %v", err)
			}

			attempt := &models.Attempt{
				JobID:     "job-att",
				PID:       4242,
				StartedAt: time.Now().UTC().Truncate(time.Second),
			}
			if err := s.CreateAttempt(attempt); err != nil {
				t.Fatalf("CreateAttempt failed: %v", err)
			}
			if attempt.ID == 0 {
				t.Fatal("CreateAttempt should assign an ID")
			}

			open, err := s.GetOpenAttempt("job-att")
			if err != nil {
				t.Fatalf("GetOpenAttempt failed: %v", err)
			}
			if open.PID != 4242 {
				t.Errorf("Open attempt PID = %d, want 4242", open.PID)
			}

			ended := time.Now().UTC().Truncate(time.Second)
			if err := s.CompleteAttempt(attempt.ID, ended, 137, models.ClassificationOomKilled); err != nil {
				t.Fatalf("CompleteAttempt failed: %v", err)
			}

			if _, err := s.GetOpenAttempt("job-att"); err != ErrAttemptNotFound {
				t.Errorf("Expected no open attempt after completion, got %v", err)
			}

			attempts, err := s.GetAttempts("job-att")
			if err != nil {
				t.Fatalf("GetAttempts failed: %v", err)
			}
			if len(attempts) != 1 {
				t.Fatalf("Expected 1 attempt, got %d", len(attempts))
			}
			if attempts[0].ExitCode != 137 {
				t.Errorf("ExitCode = %d, want 137", attempts[0].ExitCode)
			}
			if attempts[0].ExitClassification != models.ClassificationOomKilled {
				t.Errorf("Classification = %s, want oom_killed", attempts[0].ExitClassification)
			}
			if attempts[0].EndedAt == nil {
				t.Error("EndedAt should be set after completion")
			}
		})
	}
}

func TestCompleteUnknownAttempt(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.CompleteAttempt(99999, time.Now(), 0, models.ClassificationSuccess)
			if err != ErrAttemptNotFound {
				t.Errorf("Expected ErrAttemptNotFound, got %v", err)
			}
		})
	}
}

// Concurrent controllers update distinct jobs; the store must not lose
// writes or serialize them into corruption.
func TestConcurrentUpdates(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			const jobs = 8
			const updates = 25

			for i := 0; i < jobs; i++ {
				if err := s.CreateJob(testJob(fmt.Sprintf("job-conc-%d", i))); err != nil {
					t.Fatalf("CreateJob failed: %v", err)
				}
			}

			var wg sync.WaitGroup
			for i := 0; i < jobs; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					for n := 1; n <= updates; n++ {
						job, err := s.GetJob(id)
						if err != nil {
							t.Errorf("GetJob(%s) failed: %v", id, err)
							return
						}
						job.AttemptCount = n
						job.LastTransitionAt = time.Now()
						if err := s.UpdateJob(job); err != nil {
							t.Errorf("UpdateJob(%s) failed: %v", id, err)
							return
						}
					}
				}(fmt.Sprintf("job-conc-%d", i))
			}
			wg.Wait()

			for i := 0; i < jobs; i++ {
				job, err := s.GetJob(fmt.Sprintf("job-conc-%d", i))
				if err != nil {
					t.Fatalf("GetJob failed: %v", err)
				}
				if job.AttemptCount != updates {
					t.Errorf("Job %d AttemptCount = %d, want %d", i, job.AttemptCount, updates)
				}
			}
		})
	}
}

// A row whose args column no longer decodes must surface as an error
// from the listing queries, never silently drop from the results.
func TestCorruptArgsSurfaceReadError(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "corrupt.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}
	defer s.Close()

	if err := s.CreateJob(testJob("job-corrupt")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE jobs SET args = '{broken' WHERE id = ?`, "job-corrupt"); err != nil {
		t.Fatalf("Failed to corrupt row: %v", err)
	}

	if _, err := s.GetAllJobs(); err == nil {
		t.Error("GetAllJobs should surface the decode failure")
	} else if !IsPersistenceError(err) {
		t.Errorf("Expected a persistence error, got %v", err)
	}

	if _, err := s.GetJobsInState(models.JobStatusPending); err == nil {
		t.Error("GetJobsInState should surface the decode failure")
	}

	if _, err := s.GetJob("job-corrupt"); err == nil {
		t.Error("GetJob should surface the decode failure")
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to open sqlite store: %v", err)
	}

	job := testJob("job-durable")
	job.Status = models.JobStatusRunning
	job.AttemptCount = 2
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulates a supervisor restart: same file, fresh connection
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen sqlite store: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetJob("job-durable")
	if err != nil {
		t.Fatalf("GetJob after reopen failed: %v", err)
	}
	if got.Status != models.JobStatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", got.AttemptCount)
	}
}

func TestNewStoreSelection(t *testing.T) {
	mem, err := NewStore(Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Errorf("Expected *MemoryStore, got %T", mem)
	}

	sq, err := NewStore(Config{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	defer sq.Close()
	if _, ok := sq.(*SQLiteStore); !ok {
		t.Errorf("Expected *SQLiteStore, got %T", sq)
	}

	if _, err := NewStore(Config{Type: "cassandra"}); err == nil {
		t.Error("Expected error for unsupported store type")
	}
}
