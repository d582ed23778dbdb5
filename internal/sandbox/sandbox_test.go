package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStageAccessTokenWritesFileWhenTokenPresent(t *testing.T) {
	dir := t.TempDir()
	if err := stageAccessToken(dir, "sekret-token"); err != nil {
		t.Fatalf("stageAccessToken: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, accessTokenFileName))
	if err != nil {
		t.Fatalf("read staged token: %v", err)
	}
	if string(got) != "sekret-token" {
		t.Fatalf("staged token = %q, want %q", got, "sekret-token")
	}
}

func TestStageAccessTokenSkipsEmptyToken(t *testing.T) {
	dir := t.TempDir()
	if err := stageAccessToken(dir, ""); err != nil {
		t.Fatalf("stageAccessToken: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, accessTokenFileName)); !os.IsNotExist(err) {
		t.Fatal("expected no credential file to be staged for an empty token")
	}
}

func TestSanitizeRunDirNamePreservesUUIDs(t *testing.T) {
	id := "9c858901-8a57-4791-81fe-4c455b099bc9"
	if got := sanitizeRunDirName(id); got != id {
		t.Fatalf("sanitizeRunDirName(%q) = %q, want unchanged", id, got)
	}
}

func TestSanitizeRunDirNameRejectsPathSeparatorsInNonUUIDInput(t *testing.T) {
	got := sanitizeRunDirName("../../etc/passwd")
	if filepath.Base(got) != got {
		t.Fatalf("sanitizeRunDirName produced a path with separators: %q", got)
	}
}

func TestCheckNotBareRootPassesForNonRootEuid(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("test process is running as root; cannot exercise the non-root path")
	}
	if err := CheckNotBareRoot(); err != nil {
		t.Fatalf("CheckNotBareRoot: %v", err)
	}
}

func TestRunRejectsRequestMissingJobID(t *testing.T) {
	r := &Runner{RunRootDir: t.TempDir()}
	_, err := r.Run(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error for missing job ID")
	}
}
