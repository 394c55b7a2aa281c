package supervisor

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/launcher"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/logging"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/retry"
	"github.com/Comfy-Org/comfyui-sidecar/pkg/store"
)

// fakeProc is a scripted worker process. Wait blocks until exit is
// delivered, either up front or through a signal.
type fakeProc struct {
	pid    int
	mu     sync.Mutex
	exitCh chan launcher.ExitResult
	sigs   []syscall.Signal

	// When true the process only dies on SIGKILL, ignoring SIGTERM
	ignoreTerm bool
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, exitCh: make(chan launcher.ExitResult, 1)}
}

func (p *fakeProc) Pid() int                  { return p.pid }
func (p *fakeProc) Wait() launcher.ExitResult { return <-p.exitCh }

func (p *fakeProc) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	p.mu.Unlock()

	switch sig {
	case syscall.SIGKILL:
		p.exitCh <- launcher.ExitResult{Code: 137, Signaled: true, Signal: syscall.SIGKILL}
	case syscall.SIGTERM:
		if !p.ignoreTerm {
			p.exitCh <- launcher.ExitResult{Code: 143, Signaled: true, Signal: syscall.SIGTERM}
		}
	}
	return nil
}

func (p *fakeProc) signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.sigs...)
}

// scriptedRunner hands out one exit code per launch, in order. A
// negative code means the launch itself fails.
type scriptedRunner struct {
	mu       sync.Mutex
	script   []int
	launches int
	procs    []*fakeProc
	hold     bool // leave the proc running instead of exiting
	stubborn bool // held procs ignore SIGTERM and die only on SIGKILL
}

const launchFails = -1000

func (r *scriptedRunner) Launch(jobID string, attempt int, command string, args []string, limitBytes int64) (WorkerProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.launches
	r.launches++

	if idx < len(r.script) && r.script[idx] == launchFails {
		return nil, &launcher.LaunchError{Command: command, Err: errors.New("spawn failed")}
	}

	p := newFakeProc(1000 + idx)
	p.ignoreTerm = r.stubborn
	r.procs = append(r.procs, p)

	if idx < len(r.script) {
		p.exitCh <- launcher.ExitResult{Code: r.script[idx]}
	} else if !r.hold {
		p.exitCh <- launcher.ExitResult{Code: 0}
	}
	return p, nil
}

func (r *scriptedRunner) launchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.launches
}

func (r *scriptedRunner) lastProc() *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

func fastPolicy() models.RestartPolicy {
	return models.RestartPolicy{
		Crash: models.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2.0},
		Oom:   models.RetryPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2.0},
	}
}

func testSupervisor(t *testing.T, runner Runner) (*Supervisor, store.Store) {
	t.Helper()
	return testSupervisorWithStore(t, runner, store.NewMemoryStore())
}

func testSupervisorWithStore(t *testing.T, runner Runner, st store.Store) (*Supervisor, store.Store) {
	t.Helper()
	sup := New(Config{
		Store:           st,
		Runner:          runner,
		Policy:          fastPolicy(),
		WriteRetry:      retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1.0},
		StopGracePeriod: 20 * time.Millisecond,
		Logger:          logging.NewLogger(logging.ERROR, false),
		SnapshotFunc: func(pid int, limitBytes int64) (*models.MemorySnapshot, error) {
			return &models.MemorySnapshot{PID: pid, RSSBytes: 1 << 20, LimitBytes: limitBytes}, nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return sup, st
}

func waitTerminal(t *testing.T, st store.Store, jobID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if models.IsTerminalState(job.Status) {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := st.GetJob(jobID)
	t.Fatalf("Job %s never reached a terminal state, stuck at %s", jobID, job.Status)
	return nil
}

// waitAttemptsClosed waits until the job has exactly want attempt
// records, all with a recorded end. The controller commits the final
// status just before closing the last attempt, so history readers
// poll briefly.
func waitAttemptsClosed(t *testing.T, st store.Store, jobID string, want int) []models.Attempt {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		attempts, err := st.GetAttempts(jobID)
		if err != nil {
			t.Fatalf("GetAttempts failed: %v", err)
		}
		if len(attempts) == want {
			closed := true
			for _, a := range attempts {
				if a.EndedAt == nil {
					closed = false
					break
				}
			}
			if closed {
				return attempts
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Attempt history for %s never settled at %d closed records", jobID, want)
	return nil
}

func submitJob(t *testing.T, sup *Supervisor, maxAttempts int) *models.Job {
	t.Helper()
	job, err := sup.Submit(models.JobRequest{
		Command:          "python3",
		Args:             []string{"worker.py"},
		MemoryLimitBytes: 1 << 30,
		MaxAttempts:      maxAttempts,
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return job
}

func TestJobSucceedsFirstAttempt(t *testing.T) {
	runner := &scriptedRunner{script: []int{0}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 3)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", final.Status)
	}
	if final.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", final.AttemptCount)
	}
	if runner.launchCount() != 1 {
		t.Errorf("Launches = %d, want 1", runner.launchCount())
	}
	if final.LastExitClassification != models.ClassificationSuccess {
		t.Errorf("Classification = %s, want success", final.LastExitClassification)
	}
}

func TestCrashRetriesUntilSuccess(t *testing.T) {
	runner := &scriptedRunner{script: []int{1, 1, 0}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 5)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", final.Status)
	}
	if final.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", final.AttemptCount)
	}

	attempts := waitAttemptsClosed(t, st, job.ID, 3)
	if attempts[0].ExitClassification != models.ClassificationCrashed {
		t.Errorf("First attempt classification = %s, want crashed", attempts[0].ExitClassification)
	}
	if attempts[2].ExitClassification != models.ClassificationSuccess {
		t.Errorf("Last attempt classification = %s, want success", attempts[2].ExitClassification)
	}
}

func TestBudgetBoundsTotalLaunches(t *testing.T) {
	runner := &scriptedRunner{script: []int{1, 1, 1, 1, 1}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 3)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if runner.launchCount() != 3 {
		t.Errorf("Launches = %d, want exactly 3", runner.launchCount())
	}
	if final.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", final.AttemptCount)
	}
}

func TestOomExhaustionEndsAsOomKilled(t *testing.T) {
	runner := &scriptedRunner{script: []int{137, 137}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 2)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusOomKilled {
		t.Errorf("Status = %s, want oom_killed", final.Status)
	}
	if final.LastExitClassification != models.ClassificationOomKilled {
		t.Errorf("Classification = %s, want oom_killed", final.LastExitClassification)
	}
	if runner.launchCount() != 2 {
		t.Errorf("Launches = %d, want 2", runner.launchCount())
	}
}

func TestMaxAttemptsOneNeverRetries(t *testing.T) {
	runner := &scriptedRunner{script: []int{137}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 1)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusOomKilled {
		t.Errorf("Status = %s, want oom_killed", final.Status)
	}
	if runner.launchCount() != 1 {
		t.Errorf("Launches = %d, want 1", runner.launchCount())
	}
}

func TestStopKillsWithoutRelaunch(t *testing.T) {
	runner := &scriptedRunner{hold: true, stubborn: true}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 5)

	// Once the store shows Running the controller has registered the
	// process, so Stop can deliver its signals.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(job.ID)
		if err == nil && j.Status == models.JobStatusRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := sup.Stop(job.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	final := waitTerminal(t, st, job.ID)
	if final.Status != models.JobStatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if final.LastExitClassification != models.ClassificationKilledByPolicy {
		t.Errorf("Classification = %s, want killed_by_policy", final.LastExitClassification)
	}
	if runner.launchCount() != 1 {
		t.Errorf("Stopped job must not relaunch, launches = %d", runner.launchCount())
	}

	// SIGTERM first, SIGKILL only after the grace period
	sigs := runner.lastProc().signals()
	if len(sigs) < 2 || sigs[0] != syscall.SIGTERM || sigs[len(sigs)-1] != syscall.SIGKILL {
		t.Errorf("Expected SIGTERM then SIGKILL, got %v", sigs)
	}
}

// gatedRunner blocks inside Launch until released, exposing the window
// where a stop request finds no registered process yet.
type gatedRunner struct {
	scriptedRunner
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRunner) Launch(jobID string, attempt int, command string, args []string, limitBytes int64) (WorkerProcess, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.scriptedRunner.Launch(jobID, attempt, command, args, limitBytes)
}

func TestStopDuringLaunchStillSignals(t *testing.T) {
	runner := &gatedRunner{
		scriptedRunner: scriptedRunner{hold: true},
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 5)

	// Stop lands while Launch is in flight: the flag is set but there
	// is no process to signal yet.
	<-runner.entered
	if err := sup.Stop(job.ID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	close(runner.release)

	final := waitTerminal(t, st, job.ID)
	if final.Status != models.JobStatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if runner.launchCount() != 1 {
		t.Errorf("Stopped job must not relaunch, launches = %d", runner.launchCount())
	}

	// The controller delivers the termination sequence itself once the
	// process registers.
	sigs := runner.lastProc().signals()
	if len(sigs) == 0 || sigs[0] != syscall.SIGTERM {
		t.Errorf("Worker should receive SIGTERM after the raced stop, got %v", sigs)
	}
}

// A status reader must never observe a Running job without an open
// attempt carrying a pid, nor two open attempts at once, even while the
// job crash-loops through relaunches.
func TestRunningStatusAlwaysCarriesOpenAttempt(t *testing.T) {
	script := make([]int, 14)
	for i := range script {
		script[i] = 1
	}
	runner := &scriptedRunner{script: script}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 15)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				if _, err := sup.Status(job.ID); err != nil {
					t.Errorf("Status failed: %v", err)
					return
				}

				// Reads span two tables, so bracket the open-attempt
				// lookup with job reads: if both show Running within the
				// same attempt, the attempt record must be open.
				before, err := st.GetJob(job.ID)
				if err != nil {
					t.Errorf("GetJob failed: %v", err)
					return
				}
				if before.Status == models.JobStatusRunning {
					open, openErr := st.GetOpenAttempt(job.ID)
					after, err := st.GetJob(job.ID)
					if err != nil {
						t.Errorf("GetJob failed: %v", err)
						return
					}
					if after.Status == models.JobStatusRunning && after.AttemptCount == before.AttemptCount {
						if openErr != nil {
							t.Errorf("Running job has no open attempt: %v", openErr)
							return
						}
						if open.PID <= 0 {
							t.Errorf("Open attempt carries no pid: %+v", open)
							return
						}
					}
				}

				attempts, err := st.GetAttempts(job.ID)
				if err != nil {
					t.Errorf("GetAttempts failed: %v", err)
					return
				}
				openCount := 0
				for _, a := range attempts {
					if a.EndedAt == nil {
						openCount++
					}
				}
				if openCount > 1 {
					t.Errorf("Observed %d open attempts at once", openCount)
					return
				}
			}
		}()
	}

	waitTerminal(t, st, job.ID)
	close(stop)
	wg.Wait()
}

func TestStopTerminalJobIsNoop(t *testing.T) {
	runner := &scriptedRunner{script: []int{0}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 3)
	waitTerminal(t, st, job.ID)

	if err := sup.Stop(job.ID); err != nil {
		t.Errorf("Stop on terminal job should be a no-op, got %v", err)
	}
}

func TestStopUnknownJob(t *testing.T) {
	sup, _ := testSupervisor(t, &scriptedRunner{})

	if err := sup.Stop("no-such-job"); err != store.ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestLaunchFailureConsumesAttempt(t *testing.T) {
	runner := &scriptedRunner{script: []int{launchFails, 0}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 3)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusSucceeded {
		t.Errorf("Status = %s, want succeeded", final.Status)
	}
	if final.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2 (failed launch counts)", final.AttemptCount)
	}
}

func TestConfigurationErrorFailsImmediately(t *testing.T) {
	runner := &failingRunner{err: &launcher.ConfigurationError{Err: errors.New("cgroup denied")}}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 5)
	final := waitTerminal(t, st, job.ID)

	if final.Status != models.JobStatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if runner.calls != 1 {
		t.Errorf("Configuration errors must not be retried, calls = %d", runner.calls)
	}
	if final.Error == "" {
		t.Error("Job error should carry the configuration failure")
	}
}

type failingRunner struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *failingRunner) Launch(jobID string, attempt int, command string, args []string, limitBytes int64) (WorkerProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil, r.err
}

func TestSubmitValidation(t *testing.T) {
	sup, _ := testSupervisor(t, &scriptedRunner{})

	cases := []models.JobRequest{
		{Command: "", MemoryLimitBytes: 1 << 30, MaxAttempts: 3},
		{Command: "python3", MemoryLimitBytes: 0, MaxAttempts: 3},
		{Command: "python3", MemoryLimitBytes: -5, MaxAttempts: 3},
		{Command: "python3", MemoryLimitBytes: 1 << 30, MaxAttempts: 0},
	}

	for i, req := range cases {
		if _, err := sup.Submit(req); err == nil {
			t.Errorf("Case %d: expected validation error", i)
		}
	}
}

func TestStatusIncludesMemorySnapshot(t *testing.T) {
	runner := &scriptedRunner{hold: true}
	sup, st := testSupervisor(t, runner)

	job := submitJob(t, sup, 1)

	// Wait until the job is observed running with its attempt recorded
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.GetJob(job.ID)
		if err == nil && j.Status == models.JobStatusRunning {
			if _, err := st.GetOpenAttempt(job.ID); err == nil {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := sup.Status(job.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if resp.Status != models.JobStatusRunning {
		t.Fatalf("Status = %s, want running", resp.Status)
	}
	if resp.Memory == nil {
		t.Fatal("Expected a memory snapshot for a running job")
	}
	if resp.Memory.LimitBytes != job.MemoryLimitBytes {
		t.Errorf("Snapshot limit = %d, want %d", resp.Memory.LimitBytes, job.MemoryLimitBytes)
	}

	// Let the worker finish so shutdown does not wait on it
	runner.lastProc().Signal(syscall.SIGKILL)
}
