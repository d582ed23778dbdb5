package sandbox

import (
	"errors"
	"testing"
)

func TestReadGuestResultReturnsSuccess(t *testing.T) {
	dir := t.TempDir()
	if err := writeResultAtomically(dir, successResultFile, SuccessResult{AppliedAt: "2026-08-03T00:00:00Z"}); err != nil {
		t.Fatalf("writeResultAtomically: %v", err)
	}

	res, err := readGuestResult(dir)
	if err != nil {
		t.Fatalf("readGuestResult: %v", err)
	}
	if res.Success == nil || res.Failure != nil {
		t.Fatalf("expected success-only result, got %+v", res)
	}
	if res.Success.AppliedAt != "2026-08-03T00:00:00Z" {
		t.Fatalf("unexpected AppliedAt: %q", res.Success.AppliedAt)
	}
}

func TestReadGuestResultReturnsFailure(t *testing.T) {
	dir := t.TempDir()
	if err := writeResultAtomically(dir, errorResultFile, FailureResult{Stage: "apply", Message: "boom"}); err != nil {
		t.Fatalf("writeResultAtomically: %v", err)
	}

	res, err := readGuestResult(dir)
	if err != nil {
		t.Fatalf("readGuestResult: %v", err)
	}
	if res.Failure == nil || res.Success != nil {
		t.Fatalf("expected failure-only result, got %+v", res)
	}
	if res.Failure.Stage != "apply" {
		t.Fatalf("unexpected Stage: %q", res.Failure.Stage)
	}
}

func TestReadGuestResultRejectsMissingBoth(t *testing.T) {
	dir := t.TempDir()
	_, err := readGuestResult(dir)
	if !errors.Is(err, ErrResultMissing) {
		t.Fatalf("expected ErrResultMissing, got %v", err)
	}
}

func TestReadGuestResultRejectsBothPresent(t *testing.T) {
	dir := t.TempDir()
	if err := writeResultAtomically(dir, successResultFile, SuccessResult{}); err != nil {
		t.Fatalf("writeResultAtomically success: %v", err)
	}
	if err := writeResultAtomically(dir, errorResultFile, FailureResult{}); err != nil {
		t.Fatalf("writeResultAtomically error: %v", err)
	}

	_, err := readGuestResult(dir)
	if !errors.Is(err, ErrResultAmbiguous) {
		t.Fatalf("expected ErrResultAmbiguous, got %v", err)
	}
}

func TestWriteResultAtomicallyLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	if err := writeResultAtomically(dir, successResultFile, SuccessResult{}); err != nil {
		t.Fatalf("writeResultAtomically: %v", err)
	}
	if fileExists(dir + "/" + successResultFile + ".tmp") {
		t.Fatal("expected no leftover temp file after a successful write")
	}
}
