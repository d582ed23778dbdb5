package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Request is everything the Sandbox Runner needs to execute one job: an
// already-ingested, validated workspace directory (see
// ExtractWorkspaceArchive) and the shared, already-materialized boot
// assets it runs against.
type Request struct {
	JobID               string
	WorkspaceDir        string
	KernelImagePath     string
	ValidatorBundlePath string
	// AccessToken is injected into the workspace image at a fixed path so
	// the guest's Terraform invocation can authenticate without any
	// in-band channel back to the host.
	AccessToken string
	// TaskSpec is the job's invariant manifest, staged verbatim into the
	// workspace image so the guest's evaluator step can read it back
	// without any in-band channel to the host.
	TaskSpec json.RawMessage
}

// Outcome is what a job run produced: either a parsed Terraform state
// document (via the success path) or a structured failure, never both,
// plus the microVM's serial console output captured before its run
// directory was torn down.
type Outcome struct {
	JobID     string
	Result    GuestResult
	ExitCode  int
	Duration  time.Duration
	SerialLog string
}

// Runner drives a single job's microVM through materialization, launch,
// and teardown. It holds no per-job state between calls — every Run
// builds its own run directory and releases every resource it acquired
// by the time it returns, even on a panic.
type Runner struct {
	FirecrackerBinary string
	JailerBinary      string
	ChrootBaseDir     string
	JailerUID         int64
	JailerGID         int64
	MkfsBinary        string
	RunRootDir        string
	TAPPool           *TAPPool
	DNSServers        []string
	NetCheckHosts     []string
	NetCheckTimeout   time.Duration
	BootTimeout       time.Duration
	TerminateGrace    time.Duration
	VCPUs             int64
	MemoryMiB         int64
	Logger            *log.Logger
}

const (
	accessTokenFileName = ".credentials/access_token"
	taskSpecFileName    = "task.json"
)

// Run executes req's job to completion: stages the credential file into
// the workspace, builds the four block images, allocates a TAP device,
// launches Firecracker, waits for a result, and tears every bit of that
// back down again regardless of which step failed.
func (r *Runner) Run(ctx context.Context, req Request) (outcome Outcome, err error) {
	logger := r.logger()
	started := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sandbox: job %s panicked: %v", req.JobID, rec)
		}
	}()

	if err := CheckNotBareRoot(); err != nil {
		return Outcome{}, err
	}

	if req.JobID == "" {
		return Outcome{}, fmt.Errorf("sandbox: request is missing a job ID")
	}

	runDir := filepath.Join(r.RunRootDir, sanitizeRunDirName(req.JobID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create run directory %q: %w", runDir, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(runDir); rmErr != nil {
			logger.Warn("failed to remove run directory", "job_id", req.JobID, "dir", runDir, "err", rmErr)
		}
	}()
	if r.ChrootBaseDir != "" {
		jailDir := filepath.Join(r.ChrootBaseDir, "firecracker", sanitizeJailID(req.JobID))
		defer func() {
			if rmErr := os.RemoveAll(jailDir); rmErr != nil {
				logger.Warn("failed to remove jail directory", "job_id", req.JobID, "dir", jailDir, "err", rmErr)
			}
		}()
	}

	if err := stageAccessToken(req.WorkspaceDir, req.AccessToken); err != nil {
		return Outcome{}, err
	}
	if err := stageTaskSpec(req.WorkspaceDir, req.TaskSpec); err != nil {
		return Outcome{}, err
	}

	images, err := buildJobImages(ctx, r.MkfsBinary, runDir, req.WorkspaceDir, req.ValidatorBundlePath)
	if err != nil {
		return Outcome{}, err
	}

	tap, err := r.TAPPool.Acquire(ctx, req.JobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire TAP device: %w", err)
	}
	defer func() {
		if relErr := r.TAPPool.Release(tap); relErr != nil {
			logger.Warn("failed to release TAP device", "job_id", req.JobID, "device", tap.Name, "err", relErr)
		}
	}()

	plan := launchPlan{
		FirecrackerBinary: r.FirecrackerBinary,
		JailerBinary:      r.JailerBinary,
		ChrootBaseDir:     r.ChrootBaseDir,
		JailerUID:         r.JailerUID,
		JailerGID:         r.JailerGID,
		JobID:             req.JobID,
		RunDir:            runDir,
		KernelImagePath:   req.KernelImagePath,
		Images:            images,
		VCPUs:             r.VCPUs,
		MemoryMiB:         r.MemoryMiB,
		TAP:               tap,
		DNSServers:        r.DNSServers,
		NetCheckHosts:     r.NetCheckHosts,
		NetCheckTimeout:   r.NetCheckTimeout,
		BootTimeout:       r.BootTimeout,
		TerminateGrace:    r.TerminateGrace,
	}

	launchRes, launchErr := launchGuest(ctx, plan)
	serialLog := readSerialLog(runDir, req.AccessToken)

	resultsMount := filepath.Join(runDir, "results-mount")
	if mountErr := mountResultsVolume(images.ResultsRW, resultsMount); mountErr != nil {
		if launchErr != nil {
			return Outcome{}, fmt.Errorf("%v (also failed to mount results volume for diagnosis: %w)", launchErr, mountErr)
		}
		return Outcome{}, mountErr
	}
	defer func() {
		if umErr := unmountResultsVolume(resultsMount); umErr != nil {
			logger.Warn("failed to unmount results volume", "job_id", req.JobID, "err", umErr)
		}
	}()

	guestResult, readErr := readGuestResult(resultsMount)
	if readErr != nil {
		if launchErr != nil {
			return Outcome{}, fmt.Errorf("%v: %w", launchErr, readErr)
		}
		return Outcome{}, readErr
	}

	if launchErr != nil {
		logger.Warn("firecracker exited abnormally but produced a result document", "job_id", req.JobID, "err", launchErr)
	}

	return Outcome{
		JobID:     req.JobID,
		Result:    guestResult,
		ExitCode:  launchRes.ExitCode,
		Duration:  time.Since(started),
		SerialLog: serialLog,
	}, nil
}

// readSerialLog concatenates firecracker's stdout (the guest's serial
// console, since boot_args pins console output there) and stderr logs
// before the run directory containing them is removed, redacting the
// job's access token so it never reaches a persisted job log.
func readSerialLog(runDir, token string) string {
	var combined []byte
	for _, name := range []string{"firecracker.stdout.log", "firecracker.stderr.log"} {
		data, err := os.ReadFile(filepath.Join(runDir, name))
		if err != nil {
			continue
		}
		combined = append(combined, data...)
	}
	if len(combined) == 0 {
		return ""
	}
	if token != "" {
		combined = bytes.ReplaceAll(combined, []byte(token), []byte("[REDACTED]"))
	}
	return string(combined)
}

// CheckNotBareRoot refuses to proceed when the calling process is uid 0
// without a SUDO_UID/SUDO_GID pair recoverable from the environment: the
// runner must be invoked via sudo under a precisely scoped rule, never run
// directly as root.
func CheckNotBareRoot() error {
	if os.Geteuid() != 0 {
		return nil
	}
	if strings.TrimSpace(os.Getenv("SUDO_UID")) == "" || strings.TrimSpace(os.Getenv("SUDO_GID")) == "" {
		return errors.New("sandbox: refusing to run as uid 0 without SUDO_UID/SUDO_GID; invoke via sudo")
	}
	return nil
}

func (r *Runner) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// stageAccessToken writes the job's bearer credential into the workspace
// staging directory before it is sealed into an ext4 image, at a fixed
// path the guest runner knows to read and delete after use. An empty
// token is not an error: some jobs run against providers that need no
// credential at all.
func stageAccessToken(workspaceDir, token string) error {
	if token == "" {
		return nil
	}
	path := filepath.Join(workspaceDir, accessTokenFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create credential staging directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("stage access token: %w", err)
	}
	return nil
}

// stageTaskSpec writes the job's invariant manifest into the workspace
// staging directory at the fixed path the guest's evaluator step reads
// from, wrapping it in the {"invariants": [...]} shape that manifest
// expects. A nil/empty spec stages a zero-invariant manifest, which the
// evaluator's fail-closed rule then scores as status=fail, score=0.
func stageTaskSpec(workspaceDir string, taskSpec json.RawMessage) error {
	if len(taskSpec) == 0 {
		taskSpec = json.RawMessage(`{"invariants":[]}`)
	}
	path := filepath.Join(workspaceDir, taskSpecFileName)
	if err := os.WriteFile(path, taskSpec, 0o644); err != nil {
		return fmt.Errorf("stage task spec: %w", err)
	}
	return nil
}

func sanitizeRunDirName(jobID string) string {
	if _, err := uuid.Parse(jobID); err == nil {
		return jobID
	}
	// Job IDs from callers other than the pool (e.g. tests) may not be
	// UUIDs; fall back to a content-derived name rather than trusting
	// arbitrary input as a path component.
	return fmt.Sprintf("job-%x", []byte(jobID))
}
