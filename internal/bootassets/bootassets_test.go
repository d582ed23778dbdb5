package bootassets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureHTTPAssetDownloadsAndVerifies(t *testing.T) {
	payload := []byte("pretend-kernel-image-bytes")
	sum := sha256.Sum256(payload)
	wantSHA := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m, err := New(Options{
		AssetsDir: dir,
		Specs: []Spec{
			{ID: "kernel", Source: SourceHTTP, URL: srv.URL, SHA256: wantSHA},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := m.EnsureAsset(context.Background(), "kernel")
	if err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	if res.CacheHit {
		t.Fatal("expected cache miss on first fetch")
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read downloaded asset: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatal("downloaded content does not match server payload")
	}

	res2, err := m.EnsureAsset(context.Background(), "kernel")
	if err != nil {
		t.Fatalf("EnsureAsset (cached): %v", err)
	}
	if !res2.CacheHit {
		t.Fatal("expected cache hit on second fetch")
	}
}

func TestEnsureHTTPAssetRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("unexpected-content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m, err := New(Options{
		AssetsDir: dir,
		Specs: []Spec{
			{ID: "kernel", Source: SourceHTTP, URL: srv.URL, SHA256: strings.Repeat("0", 64)},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := m.EnsureAsset(context.Background(), "kernel"); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "kernel")); !os.IsNotExist(statErr) {
		t.Fatal("expected no asset to be left behind after a failed verification")
	}
}

func TestEnsureAssetRejectsUnknownID(t *testing.T) {
	dir := t.TempDir()
	m, err := New(Options{AssetsDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.EnsureAsset(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected ErrUnknownAsset")
	}
}

func TestEnsureOCIAssetUsesStubbedPullAndMaterialize(t *testing.T) {
	dir := t.TempDir()
	materializeCalls := 0

	m, err := New(Options{
		AssetsDir: dir,
		Specs: []Spec{
			{ID: "rootfs", Source: SourceOCI, Ref: "example.com/rootfs@sha256:" + strings.Repeat("a", 64)},
		},
		PullImage: func(ctx context.Context, ref string) (io.ReadCloser, OCIConfig, error) {
			return io.NopCloser(strings.NewReader("")), OCIConfig{Entrypoint: []string{"/init"}}, nil
		},
		MaterializeRootFS: func(ctx context.Context, mkfsBinary string, tarStream io.Reader, outputPath string) (int64, error) {
			materializeCalls++
			if err := os.WriteFile(outputPath, []byte("fake-ext4-image"), 0o644); err != nil {
				return 0, err
			}
			return 15, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := m.EnsureAsset(context.Background(), "rootfs")
	if err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	if res.CacheHit {
		t.Fatal("expected cache miss on first pull")
	}
	if materializeCalls != 1 {
		t.Fatalf("expected materialize to run once, ran %d times", materializeCalls)
	}
	if len(res.OCIConfig.Entrypoint) != 1 || res.OCIConfig.Entrypoint[0] != "/init" {
		t.Fatalf("unexpected OCIConfig: %+v", res.OCIConfig)
	}

	res2, err := m.EnsureAsset(context.Background(), "rootfs")
	if err != nil {
		t.Fatalf("EnsureAsset (cached): %v", err)
	}
	if !res2.CacheHit {
		t.Fatal("expected cache hit on second pull since the digest is unchanged")
	}
	if materializeCalls != 1 {
		t.Fatalf("expected materialize not to re-run on a cache hit, ran %d times total", materializeCalls)
	}
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	if _, err := safeJoin("/root", "../escape"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := safeJoin("/root", "/absolute"); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
	got, err := safeJoin("/root", "nested/file")
	if err != nil {
		t.Fatalf("safeJoin: %v", err)
	}
	if got != filepath.Join("/root", "nested/file") {
		t.Fatalf("unexpected joined path: %q", got)
	}
}
