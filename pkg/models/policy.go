package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy defines the backoff behavior between relaunches
type RetryPolicy struct {
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// UnmarshalYAML accepts Go duration strings ("5s", "2m") for the
// backoff fields. Fields absent from the document keep their current
// values, so a policy file can override a single profile.
func (rp *RetryPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		InitialBackoff    string   `yaml:"initial_backoff"`
		MaxBackoff        string   `yaml:"max_backoff"`
		BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.InitialBackoff != "" {
		d, err := time.ParseDuration(raw.InitialBackoff)
		if err != nil {
			return fmt.Errorf("invalid initial_backoff: %w", err)
		}
		rp.InitialBackoff = d
	}
	if raw.MaxBackoff != "" {
		d, err := time.ParseDuration(raw.MaxBackoff)
		if err != nil {
			return fmt.Errorf("invalid max_backoff: %w", err)
		}
		rp.MaxBackoff = d
	}
	if raw.BackoffMultiplier != nil {
		rp.BackoffMultiplier = *raw.BackoffMultiplier
	}
	return nil
}

// RestartPolicy carries the two backoff profiles of the supervisor.
// OOM exits get a shorter profile: the ceiling is never auto-raised,
// so waiting longer buys nothing; the retry either fits or exhausts
// the budget quickly for the operator to act on.
type RestartPolicy struct {
	Crash RetryPolicy `yaml:"crash"`
	Oom   RetryPolicy `yaml:"oom"`
}

// DefaultRestartPolicy returns the default backoff profiles
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Crash: RetryPolicy{
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
		},
		Oom: RetryPolicy{
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		},
	}
}

// CalculateBackoff calculates the wait before relaunch number n
// (n = number of completed attempts, starting at 1). The result is
// monotonically non-decreasing in n and bounded by MaxBackoff.
func (rp RetryPolicy) CalculateBackoff(n int) time.Duration {
	if n <= 1 {
		return rp.InitialBackoff
	}

	backoff := float64(rp.InitialBackoff)
	for i := 1; i < n; i++ {
		backoff *= rp.BackoffMultiplier
		if time.Duration(backoff) >= rp.MaxBackoff {
			return rp.MaxBackoff
		}
	}

	d := time.Duration(backoff)
	if d > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return d
}

// For selects the backoff profile for a classification
func (p RestartPolicy) For(c Classification) RetryPolicy {
	if c == ClassificationOomKilled {
		return p.Oom
	}
	return p.Crash
}
