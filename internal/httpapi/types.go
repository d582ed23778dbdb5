package httpapi

import (
	"encoding/json"

	"github.com/alphacore-validation/sandbox-engine/internal/jobstore"
)

// SubmitRequest is the body of POST /validate. TimeoutSeconds is a pointer
// so an omitted field (default 120s) is distinguishable from an explicit
// 0, which is rejected outright.
type SubmitRequest struct {
	WorkspaceArchivePath string          `json:"workspace_archive_path"`
	TaskSpec             json.RawMessage `json:"task_spec"`
	TimeoutSeconds       *int            `json:"timeout_s"`
	NetChecks            bool            `json:"net_checks"`
	StreamLog            bool            `json:"stream_log"`
	QuietKernel          bool            `json:"quiet_kernel"`
}

// Result is the outcome document embedded in a submit/status response.
type Result struct {
	Status           string                      `json:"status"`
	Score            float64                     `json:"score"`
	PassedInvariants int                         `json:"passed_invariants,omitempty"`
	TotalInvariants  int                         `json:"total_invariants,omitempty"`
	Detail           []jobstore.InvariantSummary `json:"detail,omitempty"`
	Message          string                      `json:"message,omitempty"`
}

// SubmitResponse is the body of a successful POST /validate.
type SubmitResponse struct {
	JobID          string `json:"job_id"`
	TaskID         string `json:"task_id,omitempty"`
	Result         Result `json:"result"`
	LogURL         string `json:"log_url"`
	LogPath        string `json:"log_path"`
	SubmissionPath string `json:"submission_path"`
	TAPDevice      string `json:"tap_device,omitempty"`
}

// JobStatusResponse is the body of GET /validate/{job_id}.
type JobStatusResponse struct {
	JobID       string   `json:"job_id"`
	TaskID      string   `json:"task_id,omitempty"`
	Status      string   `json:"status"`
	SubmittedAt string   `json:"submitted_at"`
	StartedAt   string   `json:"started_at,omitempty"`
	FinishedAt  string   `json:"finished_at,omitempty"`
	Result      *Result  `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
	LogPath     string   `json:"log_path,omitempty"`
	LogTail     []string `json:"log_tail,omitempty"`
}

// ActiveJob is one entry in GET /validate/active.
type ActiveJob struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	LogURL string `json:"log_url"`
}

// ActiveJobsResponse is the body of GET /validate/active.
type ActiveJobsResponse struct {
	Active []ActiveJob `json:"active"`
}

// TaskJobEntry is one job entry in GET /task/{task_id}.
type TaskJobEntry struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	SubmittedAt    string `json:"submitted_at,omitempty"`
	StartedAt      string `json:"started_at,omitempty"`
	FinishedAt     string `json:"finished_at,omitempty"`
	LogURL         string `json:"log_url"`
	LogPath        string `json:"log_path,omitempty"`
	SubmissionPath string `json:"submission_path,omitempty"`
}

// TaskRecordsResponse is the body of GET /task/{task_id}.
type TaskRecordsResponse struct {
	TaskID              string         `json:"task_id"`
	Jobs                []TaskJobEntry `json:"jobs"`
	SubmissionIndexPath string         `json:"submission_index_path,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	SandboxReady bool   `json:"sandbox_ready"`
	TokenReady   bool   `json:"token_ready"`
	TokenError   string `json:"token_error,omitempty"`
	QueueDepth   int    `json:"queue_depth"`
	WorkersTotal int    `json:"workers_total"`
	WorkersIdle  int    `json:"workers_idle"`
	Timestamp    string `json:"timestamp"`
}

// errorBody is the JSON body written alongside every non-2xx response.
type errorBody struct {
	Detail string `json:"detail"`
}
