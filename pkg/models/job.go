package models

import (
	"time"
)

// JobStatus represents the status of a supervised job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"    // Job accepted, no attempt launched yet
	JobStatusRunning   JobStatus = "running"    // Worker process is alive under the memory ceiling
	JobStatusSucceeded JobStatus = "succeeded"  // Worker exited 0
	JobStatusFailed    JobStatus = "failed"     // Retry budget exhausted or stop requested
	JobStatusOomKilled JobStatus = "oom_killed" // Budget exhausted and the last exit was an OOM kill
)

// Classification is the semantic outcome of one worker exit.
// The exit-code mapping is the one external contract that must not
// change: 0 = success, 137 = candidate OOM, anything else = crash.
type Classification string

const (
	ClassificationNone           Classification = ""                 // Attempt still running
	ClassificationSuccess        Classification = "success"          // Exit code 0
	ClassificationOomKilled      Classification = "oom_killed"       // Exit code 137 without a stop request
	ClassificationCrashed        Classification = "crashed"          // Any other non-zero exit or signal
	ClassificationKilledByPolicy Classification = "killed_by_policy" // Exit code 137 after an explicit stop
)

// Job is one unit of supervised work: a worker invocation, a hard
// memory ceiling and a restart budget.
//
// MaxAttempts bounds TOTAL launches, not retries-after-first-failure:
// AttemptCount never exceeds MaxAttempts. A job with MaxAttempts=3 is
// launched at most 3 times.
type Job struct {
	ID                     string         `json:"id"`
	Command                string         `json:"command"`
	Args                   []string       `json:"args,omitempty"`
	MemoryLimitBytes       int64          `json:"memory_limit_bytes"`
	Status                 JobStatus      `json:"status"`
	AttemptCount           int            `json:"attempt_count"`
	MaxAttempts            int            `json:"max_attempts"`
	CreatedAt              time.Time      `json:"created_at"`
	LastTransitionAt       time.Time      `json:"last_transition_at"`
	LastExitClassification Classification `json:"last_exit_classification,omitempty"`
	Error                  string         `json:"error,omitempty"`
}

// Attempt is one execution try of a Job's worker process.
type Attempt struct {
	ID                 int64          `json:"id"`
	JobID              string         `json:"job_id"`
	PID                int            `json:"pid"`
	StartedAt          time.Time      `json:"started_at"`
	EndedAt            *time.Time     `json:"ended_at,omitempty"`
	ExitCode           int            `json:"exit_code"`
	ExitClassification Classification `json:"exit_classification,omitempty"`
}

// JobRequest represents a submission to the control surface.
type JobRequest struct {
	Command          string   `json:"command"`
	Args             []string `json:"args,omitempty"`
	MemoryLimitBytes int64    `json:"memory_limit_bytes,omitempty"`
	MaxAttempts      int      `json:"max_attempts,omitempty"`
}

// JobStatusResponse is the wire form of a status query.
type JobStatusResponse struct {
	JobID                  string          `json:"job_id"`
	Status                 JobStatus       `json:"status"`
	AttemptCount           int             `json:"attempt_count"`
	MaxAttempts            int             `json:"max_attempts"`
	LastExitClassification Classification  `json:"last_exit_classification,omitempty"`
	Attempts               []Attempt       `json:"attempts,omitempty"`
	Memory                 *MemorySnapshot `json:"memory,omitempty"`
	Error                  string          `json:"error,omitempty"`
}

// MemorySnapshot is a live reading of a running worker's memory, the
// supervisor-side counterpart of the plugin node's pass-through report.
type MemorySnapshot struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	VMSBytes   uint64  `json:"vms_bytes"`
	Percent    float32 `json:"percent"`
	LimitBytes int64   `json:"limit_bytes"`
}
