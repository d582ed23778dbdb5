// Package jobstore persists submission archives, per-job result records,
// and execution logs to disk, with a small sqlite index (opened and
// closed per call, the same way internal/bootassets keeps its asset
// metadata database) over job_id/task_id so a caller can list a task's
// job history without scanning every record file.
package jobstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status mirrors pool.Status in string form so records remain readable
// without importing the pool package from storage code.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Record is the durable, at-rest representation of one validation job.
type Record struct {
	JobID            string             `json:"job_id"`
	TaskID           string             `json:"task_id,omitempty"`
	MinerUID         string             `json:"miner_uid,omitempty"`
	Status           Status             `json:"status"`
	Score            float64            `json:"score"`
	SubmissionSHA256 string             `json:"submission_sha256,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	SubmittedAt      time.Time          `json:"submitted_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	InvariantSummary []InvariantSummary `json:"invariant_summary,omitempty"`
}

// InvariantSummary is the per-invariant outcome persisted alongside a
// job's aggregate score, so a caller can see which invariants failed
// without re-running evaluation.
type InvariantSummary struct {
	ID       string `json:"id"`
	Describe string `json:"describe"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason,omitempty"`
}

// Store roots the engine's persisted layout: submission archives, job
// records, and execution logs each live under their own directory, with
// a shared sqlite index for task_id lookups.
type Store struct {
	SubmissionsDir string
	JobsDir        string
	LogsDir        string
	IndexDBPath    string
}

// Open ensures the store's directories and index schema exist.
func Open(ctx context.Context, s Store) (*Store, error) {
	for _, dir := range []string{s.SubmissionsDir, s.JobsDir, s.LogsDir, filepath.Dir(s.IndexDBPath)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jobstore: create directory %q: %w", dir, err)
		}
	}
	if err := s.initIndex(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Store) openDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.IndexDBPath)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open index %q: %w", s.IndexDBPath, err)
	}
	return db, nil
}

func (s *Store) initIndex(ctx context.Context) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			submitted_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_task_id ON jobs(task_id);
	`)
	if err != nil {
		return fmt.Errorf("jobstore: initialise index schema: %w", err)
	}
	return nil
}

// SubmissionPath returns where a job's ingested archive is stored under
// the canonical, task_id-partitioned layout, independent of whether it
// has been written yet.
func (s *Store) SubmissionPath(taskID, jobID string) string {
	return filepath.Join(s.SubmissionsDir, taskID, jobID+".zip")
}

// submissionByMinerPath returns the secondary by-miner index location for
// a job's archive: a hardlink (or, across filesystems, a copy) into the
// canonical submission, so an operator can find a miner's submissions
// without knowing which tasks it has run jobs under.
func (s *Store) submissionByMinerPath(minerUID, jobID string) string {
	return filepath.Join(s.SubmissionsDir, "by-miner", minerUID, jobID+".zip")
}

// SaveSubmission copies the submission archive to the canonical
// `submissions/<task_id>/<job_id>.zip` location atomically, records a
// sha256 sidecar next to it for later audit, and — when minerUID is
// non-empty — links the same archive into the by-miner secondary index.
// A reader that fails partway through leaves no partially-written
// archive at the final path for ingest to later pick up.
func (s *Store) SaveSubmission(taskID, jobID, minerUID string, data io.Reader) (path string, sha256Hex string, err error) {
	final := s.SubmissionPath(taskID, jobID)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", "", fmt.Errorf("jobstore: create submission directory: %w", err)
	}
	tmp := final + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("jobstore: create submission staging file: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(f, io.TeeReader(data, hasher)); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", "", fmt.Errorf("jobstore: write submission archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("jobstore: close submission archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("jobstore: finalise submission archive: %w", err)
	}

	digest := fmt.Sprintf("%x", hasher.Sum(nil))
	sidecar := fmt.Sprintf("%s  %s\n", digest, filepath.Base(final))
	if err := os.WriteFile(final+".sha256", []byte(sidecar), 0o644); err != nil {
		return "", "", fmt.Errorf("jobstore: write submission sidecar: %w", err)
	}

	if minerUID != "" {
		if err := s.linkIntoIndex(final, s.submissionByMinerPath(minerUID, jobID)); err != nil {
			return "", "", err
		}
	}
	return final, digest, nil
}

// linkIntoIndex hardlinks canonical into target, falling back to a copy
// when the two paths don't share a filesystem (cross-device hardlinks
// fail with EXDEV).
func (s *Store) linkIntoIndex(canonical, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("jobstore: create index directory: %w", err)
	}
	if err := os.Link(canonical, target); err == nil {
		return nil
	}
	src, err := os.Open(canonical)
	if err != nil {
		return fmt.Errorf("jobstore: open %q for index copy: %w", canonical, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jobstore: create index copy %q: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("jobstore: copy into index %q: %w", target, err)
	}
	return nil
}

func (s *Store) recordPath(jobID string) string {
	return filepath.Join(s.JobsDir, jobID+".json")
}

// PutRecord writes rec's JSON document atomically and upserts the
// task_id index entry in the same call, so a caller never observes an
// index row without a backing record file or vice versa for more than
// the brief window between the two writes.
func (s *Store) PutRecord(ctx context.Context, rec Record) error {
	path := s.recordPath(rec.JobID)
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("jobstore: marshal record %q: %w", rec.JobID, err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("jobstore: write record %q: %w", rec.JobID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jobstore: finalise record %q: %w", rec.JobID, err)
	}

	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, task_id, status, submitted_at_unix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET task_id = excluded.task_id, status = excluded.status
	`, rec.JobID, rec.TaskID, string(rec.Status), rec.SubmittedAt.Unix())
	if err != nil {
		return fmt.Errorf("jobstore: index record %q: %w", rec.JobID, err)
	}
	return nil
}

// ErrNotFound is returned by GetRecord for a job ID the store never saw.
var ErrNotFound = fmt.Errorf("jobstore: job not found")

// GetRecord reads jobID's persisted record.
func (s *Store) GetRecord(jobID string) (Record, error) {
	data, err := os.ReadFile(s.recordPath(jobID))
	if os.IsNotExist(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("jobstore: read record %q: %w", jobID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("jobstore: parse record %q: %w", jobID, err)
	}
	return rec, nil
}

// ListByTask returns every job recorded against taskID, most recent
// first, by first resolving job IDs from the sqlite index and then
// reading each record file — the index exists purely to avoid scanning
// every record in JobsDir for a single task_id lookup.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]Record, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT job_id FROM jobs WHERE task_id = ? ORDER BY submitted_at_unix DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: query task %q: %w", taskID, err)
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobstore: scan task %q row: %w", taskID, err)
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(jobIDs))
	for _, id := range jobIDs {
		rec, err := s.GetRecord(id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// logPath returns a job's canonical, task_id-partitioned log path.
func (s *Store) logPath(taskID, jobID string) string {
	return filepath.Join(s.LogsDir, taskID, jobID+".log")
}

func (s *Store) activeLogLinkPath(jobID string) string {
	return filepath.Join(s.LogsDir, "active", jobID+".log")
}

// OpenLogWriter opens a job's log for appending, creating it (and its
// task_id directory) if absent.
func (s *Store) OpenLogWriter(taskID, jobID string) (io.WriteCloser, error) {
	path := s.logPath(taskID, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jobstore: create log directory for %q: %w", jobID, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open log for %q: %w", jobID, err)
	}
	return f, nil
}

// ActivateLog symlinks a running job's canonical log into
// `logs/active/<job_id>.log` so an operator can tail an in-flight job's
// output without knowing its task_id. Call DeactivateLog once the job
// reaches a terminal status.
func (s *Store) ActivateLog(taskID, jobID string) error {
	link := s.activeLogLinkPath(jobID)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("jobstore: create active-log directory: %w", err)
	}
	target, err := filepath.Rel(filepath.Dir(link), s.logPath(taskID, jobID))
	if err != nil {
		target = s.logPath(taskID, jobID)
	}
	os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("jobstore: activate log for %q: %w", jobID, err)
	}
	return nil
}

// DeactivateLog removes a job's active-log symlink once it has reached a
// terminal status. Removing a symlink that was never created is not an
// error.
func (s *Store) DeactivateLog(jobID string) error {
	if err := os.Remove(s.activeLogLinkPath(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("jobstore: deactivate log for %q: %w", jobID, err)
	}
	return nil
}

// TailLog returns a job's last n log lines in order. n <= 0 returns the
// whole log.
func (s *Store) TailLog(taskID, jobID string, n int) ([]string, error) {
	f, err := os.Open(s.logPath(taskID, jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: open log for %q: %w", jobID, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: scan log for %q: %w", jobID, err)
	}

	if n <= 0 || n >= len(lines) {
		return lines, nil
	}
	return lines[len(lines)-n:], nil
}
