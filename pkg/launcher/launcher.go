package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/logging"
)

// Limiter applies an OS-enforced memory ceiling to worker processes.
// CgroupLimiter is the production implementation; tests substitute a
// no-op.
type Limiter interface {
	Create(jobID string, attempt int, limitBytes int64) (string, error)
	Attach(path string, pid int) error
	Remove(path string) error
}

// Launcher starts worker processes under a hard memory ceiling
type Launcher struct {
	limits Limiter
	env    []string // extra KEY=VALUE pairs passed through to the worker, never interpreted
	logger *logging.Logger
}

// New creates a launcher. passthroughEnv entries (telemetry endpoint
// and friends) are appended to the worker environment unchanged.
func New(limits Limiter, passthroughEnv []string, logger *logging.Logger) *Launcher {
	return &Launcher{
		limits: limits,
		env:    passthroughEnv,
		logger: logger,
	}
}

// Handle is a running worker attempt. Wait is the exit monitor: it
// blocks on the platform's child-termination notification and is the
// only reader of the process's wait status.
type Handle struct {
	pid        int
	startedAt  time.Time
	cmd        *exec.Cmd
	cgroupPath string
	limits     Limiter
}

// Pid returns the OS-assigned process id of the worker
func (h *Handle) Pid() int { return h.pid }

// StartedAt returns when the worker process started
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// ExitResult is the raw termination observation before classification
type ExitResult struct {
	Code     int // numeric exit code; killed-by-signal n reads as 128+n
	Signaled bool
	Signal   syscall.Signal
}

// Launch starts one attempt of the job's worker command. Order
// matters: the cgroup exists with its ceiling before the process
// starts, and the pid is attached before control returns.
func (l *Launcher) Launch(jobID string, attempt int, command string, args []string, limitBytes int64) (*Handle, error) {
	cgroupPath, err := l.limits.Create(jobID, attempt, limitBytes)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command, args...)

	// New process group: the worker survives a supervisor crash, and a
	// stop signal reaches the worker's whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		l.limits.Remove(cgroupPath)
		return nil, &LaunchError{Command: command, Err: err}
	}

	pid := cmd.Process.Pid

	if err := l.limits.Attach(cgroupPath, pid); err != nil {
		// The worker is running unconstrained; that is never allowed.
		syscall.Kill(-pid, syscall.SIGKILL)
		cmd.Wait()
		l.limits.Remove(cgroupPath)
		return nil, err
	}

	l.logger.Info("worker launched", map[string]interface{}{
		"job_id":      jobID,
		"attempt":     attempt,
		"pid":         pid,
		"limit_bytes": limitBytes,
	})

	return &Handle{
		pid:        pid,
		startedAt:  time.Now(),
		cmd:        cmd,
		cgroupPath: cgroupPath,
		limits:     l.limits,
	}, nil
}

// Wait blocks until the worker terminates and decodes the wait status.
// The per-attempt cgroup is removed once the exit is observed.
func (h *Handle) Wait() ExitResult {
	err := h.cmd.Wait()
	defer h.limits.Remove(h.cgroupPath)

	if err == nil {
		return ExitResult{Code: 0}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				sig := status.Signal()
				return ExitResult{Code: 128 + int(sig), Signaled: true, Signal: sig}
			}
			return ExitResult{Code: status.ExitStatus()}
		}
		return ExitResult{Code: exitErr.ExitCode()}
	}

	// Wait itself failed; treat as a crash with a generic code.
	return ExitResult{Code: 1}
}

// Signal delivers a signal to the worker's process group
func (h *Handle) Signal(sig syscall.Signal) error {
	if err := syscall.Kill(-h.pid, sig); err != nil {
		return fmt.Errorf("signal pid group %d: %w", h.pid, err)
	}
	return nil
}

// SignalName returns the conventional name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGABRT:
		return "SIGABRT"
	default:
		return fmt.Sprintf("SIG%d", sig)
	}
}
