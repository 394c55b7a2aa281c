package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CgroupLimiter applies hard memory ceilings via cgroups. The kernel
// terminates the worker when it exceeds the limit. No polling, no
// post-mortem accounting.
//
// Unlike soft governance wrappers, every failure here is fatal to the
// launch: a worker that cannot be constrained is never started.
type CgroupLimiter struct {
	cgroupRoot    string
	cgroupVersion int    // 1 for v1, 2 for v2
	namespace     string // cgroup name prefix (e.g. "sidecar")
}

// NewCgroupLimiter creates a limiter rooted at the given cgroup mount
// (usually /sys/fs/cgroup)
func NewCgroupLimiter(root, namespace string) *CgroupLimiter {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	return &CgroupLimiter{
		cgroupRoot:    root,
		cgroupVersion: detectCgroupVersion(root),
		namespace:     namespace,
	}
}

// detectCgroupVersion detects whether the system uses cgroup v1 or v2
func detectCgroupVersion(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Create makes a per-attempt cgroup with the memory ceiling applied.
// Returns the cgroup path for Attach/Remove.
func (cm *CgroupLimiter) Create(jobID string, attempt int, limitBytes int64) (string, error) {
	if limitBytes <= 0 {
		return "", &ConfigurationError{Err: fmt.Errorf("memory limit must be > 0, got %d", limitBytes)}
	}

	name := fmt.Sprintf("%s-%s-a%d", cm.namespace, jobID, attempt)

	if cm.cgroupVersion == 2 {
		return cm.createV2(name, limitBytes)
	}
	return cm.createV1(name, limitBytes)
}

func (cm *CgroupLimiter) createV2(name string, limitBytes int64) (string, error) {
	path := filepath.Join(cm.cgroupRoot, name)

	if err := os.MkdirAll(path, 0755); err != nil {
		return "", &ConfigurationError{Err: fmt.Errorf("create cgroup %s: %w", path, err)}
	}

	if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(fmt.Sprintf("%d", limitBytes)), 0644); err != nil {
		os.Remove(path)
		return "", &ConfigurationError{Err: fmt.Errorf("set memory.max: %w", err)}
	}

	// Clamp swap so the ceiling is real. Not all kernels expose the
	// file; absence means no swap controller, which is acceptable.
	swapFile := filepath.Join(path, "memory.swap.max")
	if _, err := os.Stat(swapFile); err == nil {
		if err := os.WriteFile(swapFile, []byte("0"), 0644); err != nil {
			os.Remove(path)
			return "", &ConfigurationError{Err: fmt.Errorf("set memory.swap.max: %w", err)}
		}
	}

	return path, nil
}

func (cm *CgroupLimiter) createV1(name string, limitBytes int64) (string, error) {
	path := filepath.Join(cm.cgroupRoot, "memory", name)

	if err := os.MkdirAll(path, 0755); err != nil {
		return "", &ConfigurationError{Err: fmt.Errorf("create cgroup %s: %w", path, err)}
	}

	if err := os.WriteFile(filepath.Join(path, "memory.limit_in_bytes"), []byte(fmt.Sprintf("%d", limitBytes)), 0644); err != nil {
		os.Remove(path)
		return "", &ConfigurationError{Err: fmt.Errorf("set memory.limit_in_bytes: %w", err)}
	}

	// memory.memsw requires swap accounting enabled at boot; skip when absent.
	memswFile := filepath.Join(path, "memory.memsw.limit_in_bytes")
	if _, err := os.Stat(memswFile); err == nil {
		os.WriteFile(memswFile, []byte(fmt.Sprintf("%d", limitBytes)), 0644)
	}

	return path, nil
}

// Attach places a process into the cgroup. Must be called immediately
// after start, before the worker allocates meaningfully.
func (cm *CgroupLimiter) Attach(path string, pid int) error {
	procsFile := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procsFile, []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		return &ConfigurationError{Err: fmt.Errorf("attach pid %d to cgroup: %w", pid, err)}
	}
	return nil
}

// Remove deletes the per-attempt cgroup after the worker has exited
func (cm *CgroupLimiter) Remove(path string) error {
	if path == "" {
		return nil
	}
	if !strings.HasPrefix(path, cm.cgroupRoot) {
		return fmt.Errorf("refusing to remove cgroup outside root: %s", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %w", path, err)
	}
	return nil
}
