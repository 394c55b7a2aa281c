package launcher

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// MemorySnapshot reads the live memory usage of a running worker.
// Diagnostic only; enforcement stays with the kernel at the ceiling.
func MemorySnapshot(pid int, limitBytes int64) (*models.MemorySnapshot, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("memory info for pid %d: %w", pid, err)
	}

	pct, err := p.MemoryPercent()
	if err != nil {
		pct = 0
	}

	return &models.MemorySnapshot{
		PID:        pid,
		RSSBytes:   mem.RSS,
		VMSBytes:   mem.VMS,
		Percent:    pct,
		LimitBytes: limitBytes,
	}, nil
}
