package supervisor

import (
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
)

// Recover resolves jobs left non-terminal by a previous supervisor
// crash. A Running record whose worker we no longer hold is an orphan:
// its open attempt is closed as crashed and the job is requeued when
// budget remains, otherwise finalized. Pending jobs simply restart
// their controllers. Call before the control surface starts accepting
// traffic.
func (s *Supervisor) Recover() error {
	recovered := 0

	running, err := s.store.GetJobsInState(models.JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		s.recoverOrphan(job)
		recovered++
	}

	pending, err := s.store.GetJobsInState(models.JobStatusPending)
	if err != nil {
		return err
	}
	for _, job := range pending {
		// A Pending job can still carry an open attempt if the previous
		// supervisor died between the transition and the attempt close.
		s.closeOrphanedAttempt(job)
		s.startController(job)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovery complete", map[string]interface{}{
			"jobs_resolved": recovered,
		})
	}
	return nil
}

// recoverOrphan closes the dangling attempt of a job that was Running
// when the supervisor died, then requeues or finalizes it.
func (s *Supervisor) recoverOrphan(job *models.Job) {
	s.closeOrphanedAttempt(job)

	job.LastExitClassification = models.ClassificationCrashed

	if job.AttemptCount >= job.MaxAttempts {
		s.logger.Warn("orphaned job out of budget", map[string]interface{}{
			"job_id":   job.ID,
			"attempts": job.AttemptCount,
		})
		s.finalize(job, models.TerminalStatusFor(job.LastExitClassification), "supervisor restarted, retry budget exhausted")
		return
	}

	s.logger.Info("requeueing orphaned job", map[string]interface{}{
		"job_id":        job.ID,
		"attempts_used": job.AttemptCount,
		"max_attempts":  job.MaxAttempts,
	})
	s.transition(job, models.JobStatusPending, "")
	s.startController(job)
}

// closeOrphanedAttempt closes a dangling open attempt, if any. The real
// exit was never observed. Crashed is the conservative reading: it
// keeps the bounded-restart guarantee intact either way, and an
// OOM-prone job will reproduce the OOM on relaunch.
func (s *Supervisor) closeOrphanedAttempt(job *models.Job) {
	open, err := s.store.GetOpenAttempt(job.ID)
	if err != nil {
		if err != store.ErrAttemptNotFound {
			s.logger.Error("orphan lookup failed", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
		}
		return
	}

	now := time.Now()
	s.persistWithRetry(job.ID, "close orphaned attempt", func() error {
		return s.store.CompleteAttempt(open.ID, now, -1, models.ClassificationCrashed)
	})
}
