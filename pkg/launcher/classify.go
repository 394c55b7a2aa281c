package launcher

import (
	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

// OomExitCode is the conventional exit code of a SIGKILL-terminated
// process (128+9), which is how the kernel's cgroup OOM kill surfaces.
// Part of the exit-code contract with the worker: 0 = success,
// 137 = candidate OOM, anything else = crash.
const OomExitCode = 137

// Classify maps a termination code to a semantic outcome. A 137 is
// only an OOM kill when the supervisor did not itself request the
// termination: the stop flag is set by the control surface before
// the signal goes out, so an intentional kill never reads as OOM.
//
// Classification is purely code driven. Memory accounting happens
// live at the kernel-enforced ceiling, never post-mortem.
func Classify(exitCode int, stopRequested bool) models.Classification {
	switch {
	case exitCode == 0:
		return models.ClassificationSuccess
	case exitCode == OomExitCode && stopRequested:
		return models.ClassificationKilledByPolicy
	case exitCode == OomExitCode:
		return models.ClassificationOomKilled
	default:
		return models.ClassificationCrashed
	}
}
