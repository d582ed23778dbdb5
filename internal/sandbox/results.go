package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	successResultFile = "success.json"
	errorResultFile   = "error.json"
)

// GuestResult is the outcome document the guest runner is required to
// write to the results volume before it exits: exactly one of Success or
// Failure is set, never both and never neither.
type GuestResult struct {
	Success *SuccessResult
	Failure *FailureResult
}

// SuccessResult is the body of success.json. The guest runner evaluates
// invariants against the state file itself before writing this out, so
// Score/Detail are already final by the time the host reads them back —
// the host never re-runs the evaluator.
type SuccessResult struct {
	Status           string            `json:"status"`
	Score            float64           `json:"score"`
	PassedInvariants int               `json:"passed_invariants"`
	TotalInvariants  int               `json:"total_invariants"`
	Detail           []InvariantDetail `json:"detail"`
	AppliedAt        string            `json:"applied_at"`
}

// InvariantDetail is the per-invariant record inside a SuccessResult.
type InvariantDetail struct {
	ID       string `json:"id"`
	Describe string `json:"describe"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// FailureResult is the body of error.json.
type FailureResult struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// ErrResultMissing means neither result file was present on the volume —
// the guest died or was killed before it could write either one.
var ErrResultMissing = errors.New("sandbox: guest produced neither success.json nor error.json")

// ErrResultAmbiguous means both result files were present, which should be
// impossible from a correctly-behaving guest and is treated as a failure
// rather than arbitrarily preferring one file.
var ErrResultAmbiguous = errors.New("sandbox: guest produced both success.json and error.json")

// mountResultsVolume mounts the results ext4 image at mountDir read-only
// with noexec,nosuid so a malicious guest payload that somehow wrote an
// executable into the results volume cannot be run from the host side.
func mountResultsVolume(imagePath, mountDir string) error {
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return fmt.Errorf("create results mount point %q: %w", mountDir, err)
	}
	const flags = unix.MS_RDONLY | unix.MS_NOEXEC | unix.MS_NOSUID
	if err := unix.Mount(imagePath, mountDir, "ext4", flags, ""); err != nil {
		return fmt.Errorf("mount results volume %q at %q: %w", imagePath, mountDir, err)
	}
	return nil
}

// unmountResultsVolume is always safe to call even if the mount never
// succeeded; it never returns an error for a path that was never mounted.
func unmountResultsVolume(mountDir string) error {
	if err := unix.Unmount(mountDir, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("unmount results volume %q: %w", mountDir, err)
	}
	return nil
}

// readGuestResult enforces the exactly-one-of invariant on the mounted
// results directory: a guest that crashed, was killed by the watchdog, or
// produced garbage is reported as ErrResultMissing/ErrResultAmbiguous
// rather than silently scored as a pass.
func readGuestResult(resultsDir string) (GuestResult, error) {
	successPath := filepath.Join(resultsDir, successResultFile)
	errorPath := filepath.Join(resultsDir, errorResultFile)

	successPresent := fileExists(successPath)
	errorPresent := fileExists(errorPath)

	switch {
	case successPresent && errorPresent:
		return GuestResult{}, ErrResultAmbiguous
	case !successPresent && !errorPresent:
		return GuestResult{}, ErrResultMissing
	case successPresent:
		var sr SuccessResult
		if err := readJSONFile(successPath, &sr); err != nil {
			return GuestResult{}, fmt.Errorf("parse %s: %w", successResultFile, err)
		}
		return GuestResult{Success: &sr}, nil
	default:
		var fr FailureResult
		if err := readJSONFile(errorPath, &fr); err != nil {
			return GuestResult{}, fmt.Errorf("parse %s: %w", errorResultFile, err)
		}
		return GuestResult{Failure: &fr}, nil
	}
}

// WriteSuccessResult writes r as success.json on the results volume,
// staged-then-renamed. The guest runner is the only intended caller; the
// host only ever reads this file back via readGuestResult.
func WriteSuccessResult(resultsDir string, r SuccessResult) error {
	return writeResultAtomically(resultsDir, successResultFile, r)
}

// WriteFailureResult writes r as error.json on the results volume,
// staged-then-renamed.
func WriteFailureResult(resultsDir string, r FailureResult) error {
	return writeResultAtomically(resultsDir, errorResultFile, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// writeResultAtomically stages the document in a temp file on the same
// volume then renames it into place, so a watchdog reading the results
// directory never observes a partially-written result file. This mirrors
// the guest runner's own write path and is exercised from tests that
// simulate guest output without a real microVM.
func writeResultAtomically(dir, name string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write staged %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename staged %s into place: %w", name, err)
	}
	return nil
}
