//go:build linux

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alphacore-validation/sandbox-engine/internal/invariant"
	"github.com/alphacore-validation/sandbox-engine/internal/sandbox"
	"github.com/alphacore-validation/sandbox-engine/internal/tfstate"
)

// Dedicated unprivileged accounts the two guest-side steps run under,
// matching §4.4's "unprivileged, dedicated uid" requirement for the IaC
// run and a second, distinct uid for evaluation.
const (
	iacUID  = 1000
	iacGID  = 1000
	evalUID = 1001
	evalGID = 1001
)

const tokenEnvVar = "GOOGLE_OAUTH_ACCESS_TOKEN"

// readAndRedactToken reads the credential staged onto the workspace
// image by the host. A missing file is not an error: some jobs run
// against providers that need no credential at all.
func readAndRedactToken() (string, error) {
	path := filepath.Join(workspaceMount, tokenFilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read staged credential: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// runTerraform runs the submitted workspace's IaC entrypoint inside the
// overlay directory under a dedicated unprivileged uid, streaming its
// output to the serial console with the access token redacted out of
// anything it might have echoed.
func runTerraform(workdir, token string) error {
	bin, err := exec.LookPath("terraform")
	if err != nil {
		return fmt.Errorf("terraform not found in validator bundle: %w", err)
	}

	for _, sub := range [][]string{{"init", "-input=false"}, {"apply", "-input=false", "-auto-approve"}} {
		if err := runUnderUID(bin, sub, workdir, token, iacUID, iacGID); err != nil {
			return err
		}
	}
	return nil
}

func runUnderUID(bin string, args []string, workdir, token string, uid, gid uint32) error {
	cmd := exec.Command(bin, args...)
	cmd.Dir = workdir
	cmd.Env = buildGuestEnv(token)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
	}

	var out redactingWriter
	out.token = token
	out.w = os.Stdout
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", filepath.Base(bin), strings.Join(args, " "), err)
	}
	return nil
}

func buildGuestEnv(token string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"TF_IN_AUTOMATION=1",
	}
	if token != "" {
		env = append(env, tokenEnvVar+"="+token)
	}
	return env
}

// redactingWriter strips a known secret out of a command's combined
// output before it ever reaches the serial console log, so a token
// never appears in persisted logs even if a misbehaving provider plugin
// echoes it.
type redactingWriter struct {
	w     *os.File
	token string
}

func (r *redactingWriter) Write(p []byte) (int, error) {
	if r.token == "" {
		return r.w.Write(p)
	}
	redacted := bytes.ReplaceAll(p, []byte(r.token), []byte("[REDACTED]"))
	if _, err := r.w.Write(redacted); err != nil {
		return 0, err
	}
	return len(p), nil
}

// evaluatedResult is the JSON shape the evaluator child prints on stdout
// and the parent parses back; it carries exactly what SuccessResult
// needs plus a top-level ok flag distinguishing "evaluated, scored zero"
// from "evaluator itself failed".
type evaluatedResult struct {
	OK     bool                       `json:"ok"`
	Error  string                     `json:"error,omitempty"`
	Score  float64                    `json:"score"`
	Passed int                        `json:"passed"`
	Total  int                        `json:"total"`
	Detail []sandbox.InvariantDetail  `json:"detail"`
}

// evaluateInvariants re-execs this same binary under a second,
// dedicated unprivileged uid to score the state file the IaC run
// produced, keeping the evaluation step isolated from whatever the
// Terraform run left lying around in its own uid's environment.
func evaluateInvariants(workdir string) (evaluatedResult, error) {
	self, err := os.Executable()
	if err != nil {
		return evaluatedResult{}, fmt.Errorf("resolve self path: %w", err)
	}

	cmd := exec.Command(self, evaluateSubcommand)
	cmd.Env = []string{
		"GUEST_RUNNER_TASK_JSON=" + filepath.Join(workdir, taskSpecFile),
		"GUEST_RUNNER_TFSTATE=" + filepath.Join(workdir, tfstateFile),
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: evalUID, Gid: evalGID},
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	var result evaluatedResult
	if decodeErr := json.Unmarshal(stdout.Bytes(), &result); decodeErr != nil {
		if runErr != nil {
			return evaluatedResult{}, fmt.Errorf("evaluator exited without a result: %w", runErr)
		}
		return evaluatedResult{}, fmt.Errorf("parse evaluator output: %w", decodeErr)
	}
	if !result.OK {
		return evaluatedResult{}, fmt.Errorf("evaluator: %s", result.Error)
	}
	return result, nil
}

// runEvaluateChild is the body of the re-exec'd evaluator step. It has
// no host I/O beyond reading the two files the parent named and
// printing one JSON line on stdout, so running it under a distinct,
// more restricted uid costs nothing functionally.
func runEvaluateChild() int {
	print := func(r evaluatedResult) {
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(r)
	}

	stateRaw, err := os.ReadFile(os.Getenv("GUEST_RUNNER_TFSTATE"))
	if err != nil {
		print(evaluatedResult{Error: fmt.Sprintf("read tfstate: %v", err)})
		return 1
	}
	doc, err := tfstate.Parse(stateRaw)
	if err != nil {
		print(evaluatedResult{Error: fmt.Sprintf("parse tfstate: %v", err)})
		return 1
	}

	taskRaw, err := os.ReadFile(os.Getenv("GUEST_RUNNER_TASK_JSON"))
	if err != nil {
		print(evaluatedResult{Error: fmt.Sprintf("read task spec: %v", err)})
		return 1
	}
	var manifest struct {
		Invariants []invariant.Spec `json:"invariants"`
	}
	if err := json.Unmarshal(taskRaw, &manifest); err != nil {
		print(evaluatedResult{Error: fmt.Sprintf("parse task spec: %v", err)})
		return 1
	}
	invariants, err := invariant.DecodeSpecs(manifest.Invariants)
	if err != nil {
		print(evaluatedResult{Error: fmt.Sprintf("decode invariants: %v", err)})
		return 1
	}

	result := invariant.Evaluate(doc, invariants)
	detail := make([]sandbox.InvariantDetail, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		detail = append(detail, sandbox.InvariantDetail{
			ID:       o.ID,
			Describe: o.Describe,
			Passed:   o.Match.Passed,
			Reason:   o.Match.Reason,
			Actual:   fmt.Sprintf("%v", o.Match.Actual),
		})
	}

	print(evaluatedResult{
		OK:     true,
		Score:  result.Score(),
		Passed: result.Passed,
		Total:  result.Total,
		Detail: detail,
	})
	return 0
}

func writeSuccess(result evaluatedResult) error {
	status := "fail"
	if result.Score == 1.0 && result.Total > 0 {
		status = "pass"
	}
	return sandbox.WriteSuccessResult(resultsMount, sandbox.SuccessResult{
		Status:           status,
		Score:            result.Score,
		PassedInvariants: result.Passed,
		TotalInvariants:  result.Total,
		Detail:           result.Detail,
		AppliedAt:        time.Now().UTC().Format(time.RFC3339),
	})
}

func writeFailure(stage string, err error) error {
	return sandbox.WriteFailureResult(resultsMount, sandbox.FailureResult{
		Stage:   stage,
		Message: err.Error(),
	})
}
