package httpapi

import (
	"archive/zip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alphacore-validation/sandbox-engine/internal/credmgr"
	"github.com/alphacore-validation/sandbox-engine/internal/jobstore"
	"github.com/alphacore-validation/sandbox-engine/internal/pool"
	"github.com/alphacore-validation/sandbox-engine/internal/sandbox"
)

type staticMinter struct{}

func (staticMinter) Mint(ctx context.Context) (credmgr.Token, error) {
	return credmgr.Token{Value: "test-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newTestService(t *testing.T, queueCapacity int, runJob RunFunc) (*Service, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := jobstore.Open(context.Background(), jobstore.Store{
		SubmissionsDir: filepath.Join(dir, "submissions"),
		JobsDir:        filepath.Join(dir, "jobs"),
		LogsDir:        filepath.Join(dir, "logs"),
		IndexDBPath:    filepath.Join(dir, "index.db"),
	})
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}

	p, err := pool.New(pool.Options{Workers: 1, QueueCapacity: queueCapacity})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(func() { p.Stop(context.Background()) })

	creds := credmgr.New(credmgr.Options{Minter: staticMinter{}})
	if err := creds.Start(context.Background()); err != nil {
		t.Fatalf("credmgr.Start: %v", err)
	}
	t.Cleanup(creds.Stop)

	archiveRoot := filepath.Join(dir, "archives")
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		t.Fatalf("mkdir archive root: %v", err)
	}

	svc := NewService(Options{
		Pool:        p,
		Store:       store,
		Credentials: creds,
		RunJob:      runJob,
		ArchiveRoot: archiveRoot,
		StagingDir:  filepath.Join(dir, "staging"),
		Workers:     1,
	})
	return svc, archiveRoot
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for zip: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %q: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func passingRun(ctx context.Context, req sandbox.Request) (sandbox.Outcome, error) {
	return sandbox.Outcome{
		JobID: req.JobID,
		Result: sandbox.GuestResult{
			Success: &sandbox.SuccessResult{
				Status:           "pass",
				Score:            1.0,
				PassedInvariants: 1,
				TotalInvariants:  1,
				Detail: []sandbox.InvariantDetail{
					{ID: "inv-1", Describe: "resource exists", Passed: true},
				},
			},
		},
	}, nil
}

func TestSubmitHappyPathReturnsPassingResult(t *testing.T) {
	svc, archiveRoot := newTestService(t, 4, passingRun)
	zipPath := filepath.Join(archiveRoot, "sub.zip")
	writeZip(t, zipPath, map[string]string{"main.tf": "resource \"random_id\" \"example\" {}"})

	server := NewServer("127.0.0.1:0", svc, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop(context.Background())

	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: zipPath, TaskSpec: json.RawMessage(`{"task_id":"task-1","invariants":[{}]}`)})
	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 200 {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	var out SubmitResponse
	decodeJSON(t, resp, &out)
	if out.Result.Status != "pass" || out.Result.Score != 1.0 {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
	if out.TaskID != "task-1" {
		t.Fatalf("task_id = %q, want task-1", out.TaskID)
	}
}

func TestSubmitRejectsNonZipPath(t *testing.T) {
	svc, archiveRoot := newTestService(t, 4, passingRun)
	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: filepath.Join(archiveRoot, "sub.tar")})

	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 400 {
		t.Fatalf("status = %d, want 400; body = %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitRejectsPathOutsideArchiveRoot(t *testing.T) {
	svc, _ := newTestService(t, 4, passingRun)
	outside := filepath.Join(t.TempDir(), "sub.zip")
	writeZip(t, outside, map[string]string{"main.tf": "x"})
	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: outside})

	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 403 {
		t.Fatalf("status = %d, want 403; body = %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitRejectsTraversalArchive(t *testing.T) {
	svc, archiveRoot := newTestService(t, 4, passingRun)
	zipPath := filepath.Join(archiveRoot, "evil.zip")
	writeZip(t, zipPath, map[string]string{"../evil.tf": "x"})
	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: zipPath})

	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 422 {
		t.Fatalf("status = %d, want 422; body = %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitRejectsZeroTimeout(t *testing.T) {
	svc, archiveRoot := newTestService(t, 4, passingRun)
	zipPath := filepath.Join(archiveRoot, "sub.zip")
	writeZip(t, zipPath, map[string]string{"main.tf": "x"})
	zero := 0
	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: zipPath, TimeoutSeconds: &zero})

	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 400 {
		t.Fatalf("status = %d, want 400; body = %s", resp.Code, resp.Body.String())
	}
}

func TestSubmitReturns429WithRetryAfterWhenQueueFull(t *testing.T) {
	svc, archiveRoot := newTestService(t, 0, passingRun)
	zipPath := filepath.Join(archiveRoot, "sub.zip")
	writeZip(t, zipPath, map[string]string{"main.tf": "x"})
	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: zipPath})

	// Occupy the only worker so a zero-capacity queue has no room left.
	release := make(chan struct{})
	defer close(release)
	if _, err := svc.pool.Submit("occupy-worker", func(ctx context.Context) (float64, error) {
		<-release
		return 0, nil
	}); err != nil {
		t.Fatalf("Submit occupying job: %v", err)
	}

	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 429 {
		t.Fatalf("status = %d, want 429; body = %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want %q", resp.Header().Get("Retry-After"), "1")
	}
}

func TestSubmitReturns503WhenPoolNotInitialized(t *testing.T) {
	svc, archiveRoot := newTestService(t, 4, passingRun)
	svc.pool = nil
	zipPath := filepath.Join(archiveRoot, "sub.zip")
	writeZip(t, zipPath, map[string]string{"main.tf": "x"})
	body := mustJSON(t, SubmitRequest{WorkspaceArchivePath: zipPath})

	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "POST", "/validate", body)
	if resp.Code != 503 {
		t.Fatalf("status = %d, want 503; body = %s", resp.Code, resp.Body.String())
	}
}

func TestGetJobReturns404ForUnknownJob(t *testing.T) {
	svc, _ := newTestService(t, 4, passingRun)
	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "GET", "/validate/never-ran", "")
	if resp.Code != 404 {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestListActiveIsEmptyWithNoJobs(t *testing.T) {
	svc, _ := newTestService(t, 4, passingRun)
	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "GET", "/validate/active", "")
	if resp.Code != 200 {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var out ActiveJobsResponse
	decodeJSON(t, resp, &out)
	if len(out.Active) != 0 {
		t.Fatalf("active = %v, want empty", out.Active)
	}
}

func TestHealthReportsReadiness(t *testing.T) {
	svc, _ := newTestService(t, 4, passingRun)
	server := NewServer("127.0.0.1:0", svc, nil)
	server.Start()
	defer server.Stop(context.Background())

	resp := doRequest(t, server, "GET", "/health", "")
	if resp.Code != 200 {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	var out HealthResponse
	decodeJSON(t, resp, &out)
	if !out.TokenReady || !out.SandboxReady {
		t.Fatalf("unexpected health: %+v", out)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func doRequest(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %s: %v", resp.Body.String(), err)
	}
}
