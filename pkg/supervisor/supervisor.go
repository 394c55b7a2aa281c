package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/launcher"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/logging"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/metrics"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/retry"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
)

// ErrPolicyExhausted marks a job whose retry budget is consumed
var ErrPolicyExhausted = errors.New("retry budget exhausted")

// WorkerProcess is one live worker attempt as seen by the controller
type WorkerProcess interface {
	Pid() int
	Wait() launcher.ExitResult
	Signal(sig syscall.Signal) error
}

// Runner launches worker attempts. launcher.Launcher is the
// production implementation; tests script one.
type Runner interface {
	Launch(jobID string, attempt int, command string, args []string, limitBytes int64) (WorkerProcess, error)
}

// LauncherRunner adapts *launcher.Launcher to the Runner interface
type LauncherRunner struct {
	Launcher *launcher.Launcher
}

func (r LauncherRunner) Launch(jobID string, attempt int, command string, args []string, limitBytes int64) (WorkerProcess, error) {
	return r.Launcher.Launch(jobID, attempt, command, args, limitBytes)
}

// Config wires a Supervisor
type Config struct {
	Store           store.Store
	Runner          Runner
	Policy          models.RestartPolicy
	WriteRetry      retry.Config
	StopGracePeriod time.Duration
	Logger          *logging.Logger
	Metrics         *metrics.Metrics

	// SnapshotFunc reads live memory of a running worker. Defaults to
	// launcher.MemorySnapshot; tests stub it.
	SnapshotFunc func(pid int, limitBytes int64) (*models.MemorySnapshot, error)
}

// Supervisor runs one controller goroutine per job. All status
// transitions funnel through the controllers; per-job mutual exclusion
// guarantees at most one launch decision in flight per job id, while
// unrelated jobs proceed fully concurrently.
type Supervisor struct {
	store      store.Store
	runner     Runner
	policy     models.RestartPolicy
	writeRetry retry.Config
	stopGrace  time.Duration
	logger     *logging.Logger
	metrics    *metrics.Metrics
	snapshot   func(pid int, limitBytes int64) (*models.MemorySnapshot, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	controllers map[string]*jobController
}

// New creates a supervisor. Call Recover before accepting submissions
// so jobs orphaned by a previous supervisor crash are resolved first.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.INFO, false)
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 10 * time.Second
	}
	if cfg.SnapshotFunc == nil {
		cfg.SnapshotFunc = launcher.MemorySnapshot
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		store:       cfg.Store,
		runner:      cfg.Runner,
		policy:      cfg.Policy,
		writeRetry:  cfg.WriteRetry,
		stopGrace:   cfg.StopGracePeriod,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		snapshot:    cfg.SnapshotFunc,
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*jobController),
	}
}

// Submit validates a request, persists the new job and starts its
// controller. Returns the job with its assigned id.
func (s *Supervisor) Submit(req models.JobRequest) (*models.Job, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if req.MemoryLimitBytes <= 0 {
		return nil, fmt.Errorf("memory_limit_bytes must be > 0, got %d", req.MemoryLimitBytes)
	}
	if req.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1, got %d", req.MaxAttempts)
	}

	now := time.Now()
	job := &models.Job{
		ID:               uuid.New().String(),
		Command:          req.Command,
		Args:             req.Args,
		MemoryLimitBytes: req.MemoryLimitBytes,
		Status:           models.JobStatusPending,
		MaxAttempts:      req.MaxAttempts,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.JobsSubmitted.Inc()
	}
	s.logger.Info("job submitted", map[string]interface{}{
		"job_id":       job.ID,
		"command":      job.Command,
		"limit_bytes":  job.MemoryLimitBytes,
		"max_attempts": job.MaxAttempts,
	})

	s.startController(job)
	return job, nil
}

// startController registers and launches the per-job goroutine
func (s *Supervisor) startController(job *models.Job) {
	jc := newJobController(job)

	s.mu.Lock()
	s.controllers[job.ID] = jc
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(jc)
}

// Status returns the current state of a job, including its attempt
// history and, when running, a live memory snapshot.
func (s *Supervisor) Status(jobID string) (*models.JobStatusResponse, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	attempts, err := s.store.GetAttempts(jobID)
	if err != nil {
		return nil, err
	}

	resp := &models.JobStatusResponse{
		JobID:                  job.ID,
		Status:                 job.Status,
		AttemptCount:           job.AttemptCount,
		MaxAttempts:            job.MaxAttempts,
		LastExitClassification: job.LastExitClassification,
		Attempts:               attempts,
		Error:                  job.Error,
	}

	if job.Status == models.JobStatusRunning {
		if open, err := s.store.GetOpenAttempt(jobID); err == nil {
			if snap, err := s.snapshot(open.PID, job.MemoryLimitBytes); err == nil {
				resp.Memory = snap
				if s.metrics != nil {
					s.metrics.WorkerRSSBytes.WithLabelValues(job.ID).Set(float64(snap.RSSBytes))
				}
			}
		}
	}

	return resp, nil
}

// List returns all known jobs
func (s *Supervisor) List() ([]*models.Job, error) {
	return s.store.GetAllJobs()
}

// Stop requests termination of a job. The stop flag is set before any
// signal goes out so the eventual 137 classifies as killed_by_policy,
// never OOM, and the controller never relaunches afterwards. No-op on
// jobs already terminal.
func (s *Supervisor) Stop(jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}

	if models.IsTerminalState(job.Status) {
		return nil
	}

	s.mu.Lock()
	jc := s.controllers[jobID]
	s.mu.Unlock()

	if jc == nil {
		// Known to the store but no live controller: supervisor lost it
		// (crash before recovery). Recovery will resolve it.
		s.logger.Warn("stop requested for job without controller", map[string]interface{}{"job_id": jobID})
		return nil
	}

	jc.requestStop()
	s.logger.Info("stop requested", map[string]interface{}{"job_id": jobID})

	proc := jc.process()
	if proc == nil {
		// A launch may be in flight. The controller re-checks the stop
		// flag right after registering the process and delivers the
		// signals itself, so the request is never lost.
		return nil
	}

	s.signalStop(jc, proc)
	return nil
}

// signalStop drives the cooperative termination sequence: SIGTERM to
// the process group now, SIGKILL after the grace period if the same
// process is still registered.
func (s *Supervisor) signalStop(jc *jobController, proc WorkerProcess) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM delivery failed", map[string]interface{}{"job_id": jc.job.ID, "error": err.Error()})
	}

	go func() {
		select {
		case <-time.After(s.stopGrace):
		case <-s.ctx.Done():
			return
		}
		if cur := jc.process(); cur != nil && cur.Pid() == proc.Pid() {
			cur.Signal(syscall.SIGKILL)
		}
	}()
}

// Shutdown stops accepting controller work and waits for in-flight
// controllers to observe their current state, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Workers keep running in their own process groups; orphaned
		// records are resolved by Recover on next boot.
		return fmt.Errorf("shutdown timed out with controllers still draining: %w", ctx.Err())
	}
}

// removeController drops the finished controller from the table
func (s *Supervisor) removeController(jobID string) {
	s.mu.Lock()
	delete(s.controllers, jobID)
	s.mu.Unlock()
}
