// Package httpapi exposes the Validation Service's HTTP surface: submit a
// workspace archive against an invariant spec, track its job through the
// worker pool, and read back its result, log, and task history. It wires
// together the worker pool, credential manager, sandbox runner, and job
// store without owning the lifecycle of any of them.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/alphacore-validation/sandbox-engine/internal/credmgr"
	"github.com/alphacore-validation/sandbox-engine/internal/jobstore"
	"github.com/alphacore-validation/sandbox-engine/internal/pool"
	"github.com/alphacore-validation/sandbox-engine/internal/sandbox"
)

// apiError carries the HTTP status a failure should surface as, mirroring
// the taxonomy in the error handling design: validation/input, capacity,
// readiness, and unexpected each map to a fixed status.
type apiError struct {
	status     int
	message    string
	retryAfter int // seconds; 0 means no Retry-After header
}

func (e *apiError) Error() string { return e.message }

func newAPIError(status int, format string, args ...any) *apiError {
	return &apiError{status: status, message: fmt.Sprintf(format, args...)}
}

func newBusyError() *apiError {
	return &apiError{status: 429, message: "validator is busy; queue is full", retryAfter: 1}
}

// RunFunc executes one job's sandbox run. Overridable so tests can exercise
// the ingestion/bookkeeping pipeline without a real microVM.
type RunFunc func(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error)

// Options configures a Service.
type Options struct {
	Pool        *pool.Pool
	Store       *jobstore.Store
	Credentials *credmgr.Manager
	RunJob      RunFunc // nil selects a *sandbox.Runner's Run method

	KernelImagePath     string
	ValidatorBundlePath string
	ArchiveRoot         string
	StagingDir          string
	IngestLimits        sandbox.IngestLimits

	Workers        int
	DefaultTimeout time.Duration // zero selects 120s
	MaxTimeout     time.Duration // zero selects 600s
	WaitSlack      time.Duration // zero selects 30s; headroom beyond timeout_s before Submit gives up waiting

	Logger *log.Logger
}

// Service implements the Validation Service's operations against the
// worker pool, job store, credential manager, and sandbox runner it is
// constructed with.
type Service struct {
	pool        *pool.Pool
	store       *jobstore.Store
	credentials *credmgr.Manager
	runJob      RunFunc

	kernelImagePath     string
	validatorBundlePath string
	archiveRoot         string
	stagingDir          string
	ingestLimits        sandbox.IngestLimits

	workers        int
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	waitSlack      time.Duration

	logger *log.Logger
}

// NewService constructs a Service from opts, applying the same defaults the
// original validation API's submit handler hard-codes.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Second
	}
	maxTimeout := opts.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = 600 * time.Second
	}
	waitSlack := opts.WaitSlack
	if waitSlack <= 0 {
		waitSlack = 30 * time.Second
	}
	limits := opts.IngestLimits
	if limits == (sandbox.IngestLimits{}) {
		limits = sandbox.DefaultIngestLimits
	}
	return &Service{
		pool:                opts.Pool,
		store:               opts.Store,
		credentials:         opts.Credentials,
		runJob:              opts.RunJob,
		kernelImagePath:     opts.KernelImagePath,
		validatorBundlePath: opts.ValidatorBundlePath,
		archiveRoot:         opts.ArchiveRoot,
		stagingDir:          opts.StagingDir,
		ingestLimits:        limits,
		workers:             opts.Workers,
		defaultTimeout:      defaultTimeout,
		maxTimeout:          maxTimeout,
		waitSlack:           waitSlack,
		logger:              logger,
	}
}

// Health reports the service's readiness, mirroring the original's
// /health payload.
func (s *Service) Health() HealthResponse {
	queued, running := s.pool.Len()
	status := s.credentials.Status()
	workersTotal := s.workers
	if workersTotal <= 0 {
		workersTotal = 1
	}
	idle := workersTotal - running
	if idle < 0 {
		idle = 0
	}
	return HealthResponse{
		Status:       "healthy",
		SandboxReady: s.pool != nil,
		TokenReady:   status.HasToken,
		TokenError:   status.LastError,
		QueueDepth:   queued,
		WorkersTotal: workersTotal,
		WorkersIdle:  idle,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

// Submit runs the full ingest -> sanitize -> persist -> enqueue -> wait
// pipeline described in the ingestion contract, returning *apiError for
// every failure the HTTP layer must translate to a specific status code.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if s.pool == nil {
		return nil, newAPIError(503, "sandbox worker pool not initialized")
	}
	token, err := s.credentials.CurrentToken(ctx)
	if err != nil {
		return nil, newAPIError(503, "credential manager not ready: %v", err)
	}

	timeout, err := s.resolveTimeout(req.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	archivePath, err := s.resolveArchivePath(req.WorkspaceArchivePath)
	if err != nil {
		return nil, err
	}

	taskID, minerUID := parseTaskMeta(req.TaskSpec)
	if taskID == "" {
		taskID = newTaskID()
	}
	jobID := newJobID()

	stagingDir := filepath.Join(s.stagingDir, jobID)
	if err := sandbox.ExtractWorkspaceArchive(archivePath, stagingDir, s.ingestLimits); err != nil {
		os.RemoveAll(stagingDir)
		return nil, classifyIngestError(err)
	}
	if err := sandbox.SanitizeWorkspace(stagingDir); err != nil {
		os.RemoveAll(stagingDir)
		return nil, newAPIError(422, "workspace sanitization failed: %v", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		os.RemoveAll(stagingDir)
		return nil, newAPIError(500, "reopen submission archive: %v", err)
	}
	submissionPath, sha256Hex, err := s.store.SaveSubmission(taskID, jobID, minerUID, archive)
	archive.Close()
	if err != nil {
		os.RemoveAll(stagingDir)
		return nil, newAPIError(500, "persist submission: %v", err)
	}

	now := time.Now().UTC()
	rec := jobstore.Record{
		JobID:            jobID,
		TaskID:           taskID,
		MinerUID:         minerUID,
		Status:           jobstore.StatusQueued,
		SubmissionSHA256: sha256Hex,
		SubmittedAt:      now,
	}
	if err := s.store.PutRecord(ctx, rec); err != nil {
		os.RemoveAll(stagingDir)
		return nil, newAPIError(500, "persist job record: %v", err)
	}
	if err := s.store.ActivateLog(taskID, jobID); err != nil {
		s.logger.Warn("failed to activate log symlink", "job_id", jobID, "err", err)
	}

	work := s.buildWork(taskID, jobID, minerUID, token, timeout, stagingDir, req)
	if _, err := s.pool.Submit(jobID, work); err != nil {
		s.store.DeactivateLog(jobID)
		os.RemoveAll(stagingDir)
		if errors.Is(err, pool.ErrQueueFull) {
			return nil, newBusyError()
		}
		return nil, newAPIError(503, "submit job: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout+s.waitSlack)
	defer cancel()
	if _, err := s.pool.Wait(waitCtx, jobID); err != nil {
		return nil, newAPIError(500, "job %q did not terminate within its timeout budget: %v", jobID, err)
	}

	finalRec, err := s.store.GetRecord(jobID)
	if err != nil {
		return nil, newAPIError(500, "read back job record: %v", err)
	}
	return &SubmitResponse{
		JobID:          jobID,
		TaskID:         taskID,
		Result:         recordResult(finalRec),
		LogURL:         fmt.Sprintf("/validate/%s/log", jobID),
		LogPath:        "", // resolved per-request from the store; not exposed as a raw filesystem path
		SubmissionPath: submissionPath,
	}, nil
}

// buildWork closes over everything the pool's worker goroutine needs to
// run the job and persist its outcome; it never touches HTTP types.
func (s *Service) buildWork(taskID, jobID, minerUID, token string, timeout time.Duration, stagingDir string, req SubmitRequest) pool.Work {
	return func(ctx context.Context) (float64, error) {
		defer os.RemoveAll(stagingDir)
		defer s.store.DeactivateLog(jobID)

		started := time.Now().UTC()
		s.markRunning(jobID, taskID, minerUID, started)

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		outcome, runErr := s.run(runCtx, sandbox.Request{
			JobID:               jobID,
			WorkspaceDir:        stagingDir,
			KernelImagePath:     s.kernelImagePath,
			ValidatorBundlePath: s.validatorBundlePath,
			AccessToken:         token,
			TaskSpec:            req.TaskSpec,
		})

		ended := time.Now().UTC()
		s.appendOutcomeLog(taskID, jobID, outcome)

		rec := jobstore.Record{
			JobID:       jobID,
			TaskID:      taskID,
			MinerUID:    minerUID,
			SubmittedAt: started,
			StartedAt:   &started,
			EndedAt:     &ended,
		}
		if runErr != nil {
			rec.Status = jobstore.StatusFailed
			rec.ErrorMessage = runErr.Error()
		} else {
			rec.Status = jobstore.StatusSucceeded
			applyOutcome(&rec, outcome)
		}
		if err := s.store.PutRecord(ctx, rec); err != nil {
			s.logger.Error("failed to persist terminal job record", "job_id", jobID, "err", err)
		}
		return rec.Score, runErr
	}
}

func (s *Service) markRunning(jobID, taskID, minerUID string, started time.Time) {
	rec, err := s.store.GetRecord(jobID)
	if err != nil {
		rec = jobstore.Record{JobID: jobID, TaskID: taskID, MinerUID: minerUID, SubmittedAt: started}
	}
	rec.Status = jobstore.StatusRunning
	rec.StartedAt = &started
	if err := s.store.PutRecord(context.Background(), rec); err != nil {
		s.logger.Warn("failed to mark job running", "job_id", jobID, "err", err)
	}
}

func (s *Service) appendOutcomeLog(taskID, jobID string, outcome sandbox.Outcome) {
	if outcome.SerialLog == "" {
		return
	}
	w, err := s.store.OpenLogWriter(taskID, jobID)
	if err != nil {
		s.logger.Warn("failed to open job log for writing", "job_id", jobID, "err", err)
		return
	}
	defer w.Close()
	if _, err := w.Write([]byte(outcome.SerialLog)); err != nil {
		s.logger.Warn("failed to write job log", "job_id", jobID, "err", err)
	}
}

func (s *Service) run(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	if s.runJob != nil {
		return s.runJob(ctx, req)
	}
	return sandbox.Outcome{}, errors.New("httpapi: no sandbox runner configured")
}

// applyOutcome fills rec's result fields from a completed sandbox run,
// fail-closed on any shape it doesn't recognize (missing/ambiguous result
// counts as a fail, never a pass).
func applyOutcome(rec *jobstore.Record, outcome sandbox.Outcome) {
	switch {
	case outcome.Result.Success != nil:
		sr := outcome.Result.Success
		rec.Score = sr.Score
		if sr.Status == "pass" {
			rec.Status = jobstore.StatusSucceeded
		} else {
			rec.Status = jobstore.StatusFailed
		}
		rec.InvariantSummary = make([]jobstore.InvariantSummary, 0, len(sr.Detail))
		for _, d := range sr.Detail {
			rec.InvariantSummary = append(rec.InvariantSummary, jobstore.InvariantSummary{
				ID:       d.ID,
				Describe: d.Describe,
				Passed:   d.Passed,
				Reason:   d.Reason,
			})
		}
	case outcome.Result.Failure != nil:
		rec.Status = jobstore.StatusFailed
		rec.ErrorMessage = fmt.Sprintf("%s: %s", outcome.Result.Failure.Stage, outcome.Result.Failure.Message)
	default:
		rec.Status = jobstore.StatusFailed
		rec.ErrorMessage = "guest produced no result document"
	}
}

func recordResult(rec jobstore.Record) Result {
	r := Result{
		Status: string(rec.Status),
		Score:  rec.Score,
		Detail: rec.InvariantSummary,
	}
	if rec.Status == jobstore.StatusSucceeded {
		r.Status = "pass"
	} else if rec.Status == jobstore.StatusFailed || rec.Status == jobstore.StatusCanceled {
		r.Status = "fail"
	}
	for _, d := range rec.InvariantSummary {
		r.TotalInvariants++
		if d.Passed {
			r.PassedInvariants++
		}
	}
	r.Message = rec.ErrorMessage
	return r
}

func (s *Service) resolveTimeout(requested *int) (time.Duration, error) {
	if requested == nil {
		return s.defaultTimeout, nil
	}
	if *requested == 0 {
		return 0, newAPIError(400, "timeout_s must not be 0")
	}
	if *requested < 0 {
		return 0, newAPIError(400, "timeout_s must be positive")
	}
	d := time.Duration(*requested) * time.Second
	if d > s.maxTimeout {
		d = s.maxTimeout
	}
	return d, nil
}

// resolveArchivePath validates the submitted path the same way the
// original ingestion contract does: must end in .zip, must be a readable
// regular file, and — when an archive root is configured — must resolve
// inside it.
func (s *Service) resolveArchivePath(raw string) (string, error) {
	if !strings.HasSuffix(strings.ToLower(raw), ".zip") {
		return "", newAPIError(400, "workspace_archive_path must end with .zip")
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", newAPIError(400, "workspace_archive_path is not a valid path: %v", err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", newAPIError(400, "workspace_archive_path is not a file: %s", raw)
	}
	if s.archiveRoot == "" {
		return abs, nil
	}
	root, err := filepath.Abs(s.archiveRoot)
	if err != nil {
		return "", newAPIError(500, "resolve configured archive root: %v", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newAPIError(403, "workspace_archive_path is outside the configured archive root")
	}
	return abs, nil
}

// classifyIngestError maps ExtractWorkspaceArchive's single wrapped error
// kind onto the stable surface's distinct 413/422 status codes by the
// reason text it was constructed with.
func classifyIngestError(err error) *apiError {
	msg := err.Error()
	if strings.Contains(msg, "limit is") || strings.Contains(msg, "exceeds total size limit") {
		return newAPIError(413, "submission archive too large: %v", err)
	}
	if !errors.Is(err, sandbox.ErrArchiveRejected) {
		return newAPIError(400, "open submission archive: %v", err)
	}
	return newAPIError(422, "submission archive failed validation: %v", err)
}

// parseTaskMeta extracts task_id/miner_uid from an opaque task spec
// document, tolerating absence of either (a fresh task_id is minted by
// the caller) and non-string JSON values for either field.
func parseTaskMeta(taskSpec json.RawMessage) (taskID, minerUID string) {
	if len(taskSpec) == 0 {
		return "", ""
	}
	var doc map[string]any
	if err := json.Unmarshal(taskSpec, &doc); err != nil {
		return "", ""
	}
	return stringField(doc["task_id"]), stringField(doc["miner_uid"])
}

func stringField(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// GetJob returns a job's persisted record plus a bounded log tail, 404 if
// the job is unknown.
func (s *Service) GetJob(jobID string) (*JobStatusResponse, error) {
	rec, err := s.store.GetRecord(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return nil, newAPIError(404, "unknown job_id")
		}
		return nil, newAPIError(500, "read job record: %v", err)
	}
	tail, _ := s.store.TailLog(rec.TaskID, jobID, 50)
	resp := &JobStatusResponse{
		JobID:       rec.JobID,
		TaskID:      rec.TaskID,
		Status:      string(rec.Status),
		SubmittedAt: rec.SubmittedAt.Format(time.RFC3339),
		Error:       rec.ErrorMessage,
		LogTail:     tail,
	}
	if rec.StartedAt != nil {
		resp.StartedAt = rec.StartedAt.Format(time.RFC3339)
	}
	if rec.EndedAt != nil {
		resp.FinishedAt = rec.EndedAt.Format(time.RFC3339)
	}
	if rec.Status == jobstore.StatusSucceeded || rec.Status == jobstore.StatusFailed {
		result := recordResult(rec)
		resp.Result = &result
	}
	return resp, nil
}

// GetLog returns a job's log tail: tail <= 0 selects the last 200 lines,
// and tail above 5000 is capped at 5000, mirroring the original handler's
// tail clamp.
func (s *Service) GetLog(jobID string, tail int) (string, error) {
	rec, err := s.store.GetRecord(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return "", newAPIError(404, "unknown job_id")
		}
		return "", newAPIError(500, "read job record: %v", err)
	}
	if tail <= 0 {
		tail = 200
	}
	if tail > 5000 {
		tail = 5000
	}
	lines, err := s.store.TailLog(rec.TaskID, jobID, tail)
	if err != nil {
		return "", newAPIError(500, "read job log: %v", err)
	}
	if lines == nil {
		return "", newAPIError(404, "log file not found (yet)")
	}
	return strings.Join(lines, "\n"), nil
}

// ListActive returns every job currently queued or running.
func (s *Service) ListActive() ActiveJobsResponse {
	resp := ActiveJobsResponse{}
	for _, j := range s.pool.Snapshot() {
		if j.Status != pool.StatusQueued && j.Status != pool.StatusRunning {
			continue
		}
		resp.Active = append(resp.Active, ActiveJob{
			JobID:  j.ID,
			Status: j.Status.String(),
			LogURL: fmt.Sprintf("/validate/%s/log", j.ID),
		})
	}
	return resp
}

// GetTask returns every job filed under taskID and where its submission
// index lives, without requiring a full directory scan (see
// jobstore.ListByTask).
func (s *Service) GetTask(ctx context.Context, taskID string) (*TaskRecordsResponse, error) {
	recs, err := s.store.ListByTask(ctx, taskID)
	if err != nil {
		return nil, newAPIError(500, "list task records: %v", err)
	}
	resp := &TaskRecordsResponse{TaskID: taskID}
	for _, rec := range recs {
		entry := TaskJobEntry{
			JobID:          rec.JobID,
			Status:         string(rec.Status),
			SubmittedAt:    rec.SubmittedAt.Format(time.RFC3339),
			LogURL:         fmt.Sprintf("/validate/%s/log", rec.JobID),
			SubmissionPath: s.store.SubmissionPath(taskID, rec.JobID),
		}
		if rec.StartedAt != nil {
			entry.StartedAt = rec.StartedAt.Format(time.RFC3339)
		}
		if rec.EndedAt != nil {
			entry.FinishedAt = rec.EndedAt.Format(time.RFC3339)
		}
		resp.Jobs = append(resp.Jobs, entry)
	}
	return resp, nil
}
