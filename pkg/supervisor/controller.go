package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/launcher"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/retry"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
)

// jobController owns the lifecycle of one job. The stop flag is set
// before any termination signal so an exit-137 observed afterwards is
// attributed to policy, not to the memory ceiling.
type jobController struct {
	job *models.Job

	mu   sync.Mutex
	proc WorkerProcess

	stopRequested atomic.Bool
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func newJobController(job *models.Job) *jobController {
	return &jobController{
		job:    job,
		stopCh: make(chan struct{}),
	}
}

func (jc *jobController) requestStop() {
	jc.stopRequested.Store(true)
	jc.stopOnce.Do(func() { close(jc.stopCh) })
}

func (jc *jobController) stopped() bool {
	return jc.stopRequested.Load()
}

func (jc *jobController) setProcess(p WorkerProcess) {
	jc.mu.Lock()
	jc.proc = p
	jc.mu.Unlock()
}

func (jc *jobController) process() WorkerProcess {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.proc
}

// runJob is the restart controller loop for one job. Each iteration is
// one attempt: launch, wait for the exit, classify, persist, then
// decide between relaunch, backoff and terminal.
func (s *Supervisor) runJob(jc *jobController) {
	defer s.wg.Done()
	defer s.removeController(jc.job.ID)

	job := jc.job

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if jc.stopped() {
			s.finalize(job, models.JobStatusFailed, "stop requested before launch")
			return
		}

		if job.AttemptCount >= job.MaxAttempts {
			s.exhaust(job)
			return
		}

		job.AttemptCount++
		proc, err := s.runner.Launch(job.ID, job.AttemptCount, job.Command, job.Args, job.MemoryLimitBytes)
		if err != nil {
			if !s.handleLaunchFailure(jc, err) {
				return
			}
			continue
		}

		jc.setProcess(proc)
		if jc.stopped() {
			// Stop raced with the launch and found no process to signal;
			// deliver the termination sequence from here.
			s.signalStop(jc, proc)
		}
		if s.metrics != nil {
			s.metrics.Launches.Inc()
		}

		attempt := &models.Attempt{
			JobID:     job.ID,
			PID:       proc.Pid(),
			StartedAt: time.Now(),
		}
		s.persistWithRetry(job.ID, "create attempt", func() error {
			return s.store.CreateAttempt(attempt)
		})

		s.transition(job, models.JobStatusRunning, "")

		result, ok := s.waitForExit(proc)
		jc.setProcess(nil)
		if !ok {
			// Supervisor is shutting down; the worker keeps running in
			// its own process group and next boot's recovery resolves
			// the record.
			return
		}

		classification := launcher.Classify(result.Code, jc.stopped())
		job.LastExitClassification = classification
		if s.metrics != nil {
			s.metrics.Classifications.WithLabelValues(string(classification)).Inc()
			s.metrics.WorkerRSSBytes.DeleteLabelValues(job.ID)
		}

		// The job leaves Running before its attempt record closes, so a
		// concurrent status query never observes a Running job without
		// an open attempt.
		endedAt := time.Now()
		closeAttempt := func() {
			s.persistWithRetry(job.ID, "complete attempt", func() error {
				return s.store.CompleteAttempt(attempt.ID, endedAt, result.Code, classification)
			})
		}

		s.logger.Info("worker exited", map[string]interface{}{
			"job_id":         job.ID,
			"attempt":        job.AttemptCount,
			"pid":            proc.Pid(),
			"exit_code":      result.Code,
			"classification": string(classification),
		})

		switch {
		case classification == models.ClassificationSuccess:
			s.finalize(job, models.JobStatusSucceeded, "")
			closeAttempt()
			return

		case jc.stopped():
			s.finalize(job, models.JobStatusFailed, "stopped by request")
			closeAttempt()
			return

		case !classification.Retryable():
			// Policy kill without a recorded stop request cannot happen
			// through this controller; treat defensively as failed.
			s.finalize(job, models.JobStatusFailed, "worker terminated by policy")
			closeAttempt()
			return

		case job.AttemptCount >= job.MaxAttempts:
			s.exhaust(job)
			closeAttempt()
			return
		}

		// Retryable exit with budget remaining: park in Pending for the
		// backoff window, interruptible by stop and shutdown.
		backoff := s.policy.For(classification).CalculateBackoff(job.AttemptCount)
		s.transition(job, models.JobStatusPending, "")
		closeAttempt()
		if s.metrics != nil {
			s.metrics.Restarts.Inc()
		}
		s.logger.Info("relaunch scheduled", map[string]interface{}{
			"job_id":         job.ID,
			"classification": string(classification),
			"backoff":        backoff.String(),
			"attempts_used":  job.AttemptCount,
			"max_attempts":   job.MaxAttempts,
		})

		select {
		case <-time.After(backoff):
		case <-jc.stopCh:
		case <-s.ctx.Done():
			return
		}
	}
}

// waitForExit waits for the worker while staying responsive to
// supervisor shutdown. The second return is false when shutdown won.
func (s *Supervisor) waitForExit(proc WorkerProcess) (launcher.ExitResult, bool) {
	done := make(chan launcher.ExitResult, 1)
	go func() {
		done <- proc.Wait()
	}()

	select {
	case result := <-done:
		return result, true
	case <-s.ctx.Done():
		return launcher.ExitResult{}, false
	}
}

// handleLaunchFailure decides what a failed Launch means. A
// configuration error (cgroup setup refused) is fatal for the job; a
// plain launch error consumes the attempt and backs off like a crash.
// Returns true when the loop should continue.
func (s *Supervisor) handleLaunchFailure(jc *jobController, err error) bool {
	job := jc.job

	s.logger.Error("worker launch failed", map[string]interface{}{
		"job_id":  job.ID,
		"attempt": job.AttemptCount,
		"error":   err.Error(),
	})

	if launcher.IsConfigurationError(err) {
		s.finalize(job, models.JobStatusFailed, err.Error())
		return false
	}

	job.LastExitClassification = models.ClassificationCrashed
	if job.AttemptCount >= job.MaxAttempts {
		job.Error = err.Error()
		s.exhaust(job)
		return false
	}

	backoff := s.policy.Crash.CalculateBackoff(job.AttemptCount)
	s.transition(job, models.JobStatusPending, "")

	select {
	case <-time.After(backoff):
		return true
	case <-jc.stopCh:
		return true // loop observes the stop flag and finalizes
	case <-s.ctx.Done():
		return false
	}
}

// exhaust closes a job whose attempt budget is used up
func (s *Supervisor) exhaust(job *models.Job) {
	status := models.TerminalStatusFor(job.LastExitClassification)
	s.finalize(job, status, ErrPolicyExhausted.Error())
	s.logger.Warn("retry budget exhausted", map[string]interface{}{
		"job_id":       job.ID,
		"final_status": string(status),
		"attempts":     job.AttemptCount,
	})
}

// finalize moves a job to a terminal state
func (s *Supervisor) finalize(job *models.Job, status models.JobStatus, errMsg string) {
	if errMsg != "" {
		job.Error = errMsg
	}
	s.transition(job, status, errMsg)
}

// transition validates and persists a status change. Persistence
// failures are retried; exhaustion is escalated, never swallowed.
func (s *Supervisor) transition(job *models.Job, to models.JobStatus, errMsg string) {
	if job.Status != to {
		if err := models.ValidateTransition(job.Status, to); err != nil {
			s.logger.Error("refused state transition", map[string]interface{}{
				"job_id": job.ID,
				"from":   string(job.Status),
				"to":     string(to),
				"error":  err.Error(),
			})
			return
		}
	}

	job.Status = to
	job.LastTransitionAt = time.Now()
	if errMsg != "" {
		job.Error = errMsg
	}

	s.persistWithRetry(job.ID, "update job", func() error {
		return s.store.UpdateJob(job)
	})
}

// persistWithRetry runs a store write under the configured retry
// budget. When even the retries fail the condition is escalated: an
// ERROR log plus a counter the alerting rules key on. The in-memory
// controller state stays authoritative so supervision continues.
func (s *Supervisor) persistWithRetry(jobID, op string, fn func() error) {
	attempts := 0
	err := retry.Do(s.ctx, s.writeRetry, func() error {
		attempts++
		err := fn()
		if err != nil && attempts > 1 && s.metrics != nil {
			s.metrics.StoreRetries.Inc()
		}
		if err == store.ErrJobNotFound || err == store.ErrAttemptNotFound {
			// Missing rows never heal; skip straight to the escalation.
			s.logger.Error("store row missing", map[string]interface{}{
				"job_id": jobID,
				"op":     op,
			})
			if s.metrics != nil {
				s.metrics.Escalations.Inc()
			}
			return nil
		}
		return err
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.Escalations.Inc()
		}
		s.logger.Error("store write failed after retries", map[string]interface{}{
			"job_id": jobID,
			"op":     op,
			"error":  err.Error(),
		})
	}
}
