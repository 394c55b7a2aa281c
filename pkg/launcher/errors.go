package launcher

import (
	"errors"
	"fmt"
)

// ConfigurationError means the memory ceiling could not be applied.
// The launch aborts: the worker never runs unconstrained.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("memory limit configuration failed: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// LaunchError means the worker executable could not be spawned.
// Distinct from an OOM: it counts against the attempt budget and is
// retried under the crash backoff, never the OOM path.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %q: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a failed limit setup
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
