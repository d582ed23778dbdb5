package jobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), Store{
		SubmissionsDir: filepath.Join(dir, "submissions"),
		JobsDir:        filepath.Join(dir, "jobs"),
		LogsDir:        filepath.Join(dir, "logs"),
		IndexDBPath:    filepath.Join(dir, "index.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveSubmissionLeavesNoTempFileOnSuccess(t *testing.T) {
	s := newTestStore(t)
	path, sha, err := s.SaveSubmission("task-1", "job-1", "", strings.NewReader("zip-bytes"))
	if err != nil {
		t.Fatalf("SaveSubmission: %v", err)
	}
	if path != s.SubmissionPath("task-1", "job-1") {
		t.Fatalf("path = %q, want %q", path, s.SubmissionPath("task-1", "job-1"))
	}
	if sha == "" {
		t.Fatal("expected a non-empty sha256 digest")
	}
	if _, err := os.Stat(path + ".sha256"); err != nil {
		t.Fatalf("expected sha256 sidecar: %v", err)
	}
}

func TestSaveSubmissionLinksByMinerIndex(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.SaveSubmission("task-1", "job-1", "miner-42", strings.NewReader("zip-bytes"))
	if err != nil {
		t.Fatalf("SaveSubmission: %v", err)
	}
	indexed := s.submissionByMinerPath("miner-42", "job-1")
	got, err := os.ReadFile(indexed)
	if err != nil {
		t.Fatalf("read by-miner index entry: %v", err)
	}
	if string(got) != "zip-bytes" {
		t.Fatalf("by-miner index content = %q, want %q", got, "zip-bytes")
	}
}

func TestPutAndGetRecordRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		JobID:       "job-1",
		TaskID:      "task-1",
		Status:      StatusSucceeded,
		Score:       0.8,
		SubmittedAt: time.Unix(1000, 0).UTC(),
	}
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}

	got, err := s.GetRecord("job-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.TaskID != "task-1" || got.Score != 0.8 || got.Status != StatusSucceeded {
		t.Fatalf("GetRecord mismatch: %+v", got)
	}
}

func TestGetRecordReturnsErrNotFoundForUnknownJob(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRecord("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRecord: expected ErrNotFound, got %v", err)
	}
}

func TestListByTaskReturnsOnlyMatchingJobsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPut := func(jobID, taskID string, submittedAt int64) {
		if err := s.PutRecord(ctx, Record{
			JobID:       jobID,
			TaskID:      taskID,
			Status:      StatusSucceeded,
			SubmittedAt: time.Unix(submittedAt, 0).UTC(),
		}); err != nil {
			t.Fatalf("PutRecord(%s): %v", jobID, err)
		}
	}
	mustPut("job-a1", "task-a", 100)
	mustPut("job-a2", "task-a", 200)
	mustPut("job-b1", "task-b", 150)

	got, err := s.ListByTask(ctx, "task-a")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListByTask returned %d records, want 2", len(got))
	}
	if got[0].JobID != "job-a2" || got[1].JobID != "job-a1" {
		t.Fatalf("ListByTask order = [%s, %s], want [job-a2, job-a1]", got[0].JobID, got[1].JobID)
	}
}

func TestLogWriterAndTailLog(t *testing.T) {
	s := newTestStore(t)

	w, err := s.OpenLogWriter("task-1", "job-1")
	if err != nil {
		t.Fatalf("OpenLogWriter: %v", err)
	}
	for _, line := range []string{"one", "two", "three"} {
		if _, err := w.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tail, err := s.TailLog("task-1", "job-1", 2)
	if err != nil {
		t.Fatalf("TailLog: %v", err)
	}
	if len(tail) != 2 || tail[0] != "two" || tail[1] != "three" {
		t.Fatalf("TailLog(2) = %v, want [two three]", tail)
	}

	full, err := s.TailLog("task-1", "job-1", 0)
	if err != nil {
		t.Fatalf("TailLog(0): %v", err)
	}
	if len(full) != 3 {
		t.Fatalf("TailLog(0) = %v, want 3 lines", full)
	}
}

func TestTailLogOnMissingJobReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	lines, err := s.TailLog("task-1", "never-ran", 10)
	if err != nil {
		t.Fatalf("TailLog: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("TailLog on missing job = %v, want empty", lines)
	}
}

func TestActivateAndDeactivateLog(t *testing.T) {
	s := newTestStore(t)
	w, err := s.OpenLogWriter("task-1", "job-1")
	if err != nil {
		t.Fatalf("OpenLogWriter: %v", err)
	}
	w.Close()

	if err := s.ActivateLog("task-1", "job-1"); err != nil {
		t.Fatalf("ActivateLog: %v", err)
	}
	link := s.activeLogLinkPath("job-1")
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("expected active-log symlink: %v", err)
	}
	if _, err := os.Stat(link); err != nil {
		t.Fatalf("expected active-log symlink to resolve: %v", err)
	}

	if err := s.DeactivateLog("job-1"); err != nil {
		t.Fatalf("DeactivateLog: %v", err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatalf("expected active-log symlink removed, stat err = %v", err)
	}

	if err := s.DeactivateLog("never-activated"); err != nil {
		t.Fatalf("DeactivateLog on missing link should be a no-op: %v", err)
	}
}
