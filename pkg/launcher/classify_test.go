package launcher

import (
	"testing"

	"github.com/Comfy-Org/comfyui-sidecar/pkg/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name          string
		exitCode      int
		stopRequested bool
		want          models.Classification
	}{
		{"clean exit", 0, false, models.ClassificationSuccess},
		{"clean exit during stop", 0, true, models.ClassificationSuccess},
		{"oom kill", 137, false, models.ClassificationOomKilled},
		{"sigkill after stop request", 137, true, models.ClassificationKilledByPolicy},
		{"generic failure", 1, false, models.ClassificationCrashed},
		{"segfault", 139, false, models.ClassificationCrashed},
		{"sigterm exit", 143, false, models.ClassificationCrashed},
		{"sigterm exit during stop", 143, true, models.ClassificationCrashed},
		{"negative code", -1, false, models.ClassificationCrashed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.exitCode, tc.stopRequested); got != tc.want {
				t.Errorf("Classify(%d, %v) = %s, want %s", tc.exitCode, tc.stopRequested, got, tc.want)
			}
		})
	}
}

func TestOomExitCodeIs137(t *testing.T) {
	// 128 + SIGKILL(9). External tooling keys on this value.
	if OomExitCode != 137 {
		t.Fatalf("OomExitCode = %d, want 137", OomExitCode)
	}
}
