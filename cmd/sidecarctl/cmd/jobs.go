package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// Job submit flags
	memoryLimitBytes int64
	maxAttempts      int
	workerArgs       []string

	// Job status flags
	followStatus bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage supervised jobs",
	Long:  `Commands for submitting, inspecting and stopping jobs supervised by the sidecar.`,
}

// jobsSubmitCmd represents the jobs submit command
var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <command>",
	Short: "Submit a new job",
	Long:  `Submit a worker command to run under the sidecar's memory ceiling and restart policy.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSubmit,
}

// jobsStatusCmd represents the jobs status command
var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Retrieve the status of a specific job by its ID. If no ID is provided, lists all jobs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

// jobsStopCmd represents the jobs stop command
var jobsStopCmd = &cobra.Command{
	Use:   "stop <job-id>",
	Short: "Stop a job",
	Long:  `Request termination of a pending or running job. The worker receives SIGTERM, then SIGKILL after the grace period. Stopped jobs are never relaunched.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)

	jobsSubmitCmd.Flags().Int64Var(&memoryLimitBytes, "memory-limit-bytes", 0, "hard memory ceiling in bytes (0 uses the daemon default)")
	jobsSubmitCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "maximum total launches (0 uses the daemon default)")
	jobsSubmitCmd.Flags().StringArrayVar(&workerArgs, "arg", nil, "worker argument (repeatable)")

	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")
}

type jobRequest struct {
	Command          string   `json:"command"`
	Args             []string `json:"args,omitempty"`
	MemoryLimitBytes int64    `json:"memory_limit_bytes,omitempty"`
	MaxAttempts      int      `json:"max_attempts,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type attemptResponse struct {
	ID                 int64      `json:"id"`
	PID                int        `json:"pid"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	ExitCode           int        `json:"exit_code"`
	ExitClassification string     `json:"exit_classification,omitempty"`
}

type memoryResponse struct {
	PID        int    `json:"pid"`
	RSSBytes   uint64 `json:"rss_bytes"`
	LimitBytes int64  `json:"limit_bytes"`
}

type statusResponse struct {
	JobID                  string            `json:"job_id"`
	Status                 string            `json:"status"`
	AttemptCount           int               `json:"attempt_count"`
	MaxAttempts            int               `json:"max_attempts"`
	LastExitClassification string            `json:"last_exit_classification,omitempty"`
	Attempts               []attemptResponse `json:"attempts,omitempty"`
	Memory                 *memoryResponse   `json:"memory,omitempty"`
	Error                  string            `json:"error,omitempty"`
}

type jobSummary struct {
	ID                     string    `json:"id"`
	Command                string    `json:"command"`
	MemoryLimitBytes       int64     `json:"memory_limit_bytes"`
	Status                 string    `json:"status"`
	AttemptCount           int       `json:"attempt_count"`
	MaxAttempts            int       `json:"max_attempts"`
	CreatedAt              time.Time `json:"created_at"`
	LastExitClassification string    `json:"last_exit_classification,omitempty"`
}

type jobsListResponse struct {
	Jobs  []jobSummary `json:"jobs"`
	Count int          `json:"count"`
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/jobs", GetSidecarURL())

	req := jobRequest{
		Command:          args[0],
		Args:             workerArgs,
		MemoryLimitBytes: memoryLimitBytes,
		MaxAttempts:      maxAttempts,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest("POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := GetHTTPClient()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to connect to sidecar API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Field", "Value")

		table.Append("Job ID", result.JobID)
		table.Append("Status", result.Status)

		table.Render()
		fmt.Printf("\nJob submitted successfully! ID %s\n", result.JobID)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllJobs()
	}

	jobID := args[0]

	if followStatus {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			result, err := fetchJobStatus(jobID)
			if err != nil {
				return err
			}

			fmt.Print("\033[H\033[2J") // Clear screen
			displayJobStatus(result)

			if result.Status == "succeeded" || result.Status == "failed" || result.Status == "oom_killed" {
				fmt.Println("\nJob reached terminal state")
				break
			}

			time.Sleep(2 * time.Second)
		}
	} else {
		result, err := fetchJobStatus(jobID)
		if err != nil {
			return err
		}
		displayJobStatus(result)
	}

	return nil
}

func listAllJobs() error {
	url := fmt.Sprintf("%s/jobs", GetSidecarURL())

	client := GetHTTPClient()
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to sidecar API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result jobsListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Job ID", "Command", "Status", "Attempts", "Last Exit", "Limit", "Created")

		for _, job := range result.Jobs {
			lastExit := job.LastExitClassification
			if lastExit == "" {
				lastExit = "-"
			}

			table.Append(
				shortID(job.ID),
				job.Command,
				job.Status,
				fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
				lastExit,
				formatBytes(job.MemoryLimitBytes),
				job.CreatedAt.Format("2006-01-02 15:04"),
			)
		}

		table.Render()
		fmt.Printf("\nTotal jobs: %d\n", result.Count)
	}

	return nil
}

func fetchJobStatus(jobID string) (*statusResponse, error) {
	url := fmt.Sprintf("%s/jobs/%s", GetSidecarURL(), jobID)

	client := GetHTTPClient()
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sidecar API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result statusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func displayJobStatus(result *statusResponse) {
	if IsJSONOutput() {
		output, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(output))
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job ID", result.JobID)
	table.Append("Status", result.Status)
	table.Append("Attempts", fmt.Sprintf("%d/%d", result.AttemptCount, result.MaxAttempts))

	if result.LastExitClassification != "" {
		table.Append("Last Exit", result.LastExitClassification)
	}

	if result.Memory != nil {
		table.Append("Worker PID", fmt.Sprintf("%d", result.Memory.PID))
		table.Append("Worker RSS", formatBytes(int64(result.Memory.RSSBytes)))
		table.Append("Memory Limit", formatBytes(result.Memory.LimitBytes))
	}

	if result.Error != "" {
		table.Append("Error", result.Error)
	}

	table.Render()

	if len(result.Attempts) > 0 {
		fmt.Println("\nAttempt history:")
		attemptsTable := tablewriter.NewWriter(os.Stdout)
		attemptsTable.Header("#", "PID", "Started", "Ended", "Exit Code", "Classification")

		for i, a := range result.Attempts {
			ended := "-"
			exitCode := "-"
			classification := a.ExitClassification
			if a.EndedAt != nil {
				ended = a.EndedAt.Format("15:04:05")
				exitCode = fmt.Sprintf("%d", a.ExitCode)
			}
			if classification == "" {
				classification = "running"
			}

			attemptsTable.Append(
				fmt.Sprintf("%d", i+1),
				fmt.Sprintf("%d", a.PID),
				a.StartedAt.Format("15:04:05"),
				ended,
				exitCode,
				classification,
			)
		}

		attemptsTable.Render()
	}
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	url := fmt.Sprintf("%s/jobs/%s/stop", GetSidecarURL(), jobID)

	client := GetHTTPClient()
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to sidecar API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	fmt.Printf("Job %s stop requested\n", jobID)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
