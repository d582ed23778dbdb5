package sandbox

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "submission.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		zf, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %q: %v", name, err)
		}
		if _, err := zf.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %q: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return path
}

func TestExtractWorkspaceArchiveExtractsValidEntries(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"main.tf":          "resource \"google_compute_firewall\" \"x\" {}",
		"modules/vpc.tf":   "resource \"google_compute_network\" \"y\" {}",
	})
	dest := t.TempDir()

	if err := ExtractWorkspaceArchive(archive, dest, DefaultIngestLimits); err != nil {
		t.Fatalf("ExtractWorkspaceArchive: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "modules/vpc.tf"))
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(got) != "resource \"google_compute_network\" \"y\" {}" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestExtractWorkspaceArchiveRejectsAbsolutePath(t *testing.T) {
	archive := writeZip(t, map[string]string{"/etc/passwd": "evil"})
	dest := t.TempDir()

	err := ExtractWorkspaceArchive(archive, dest, DefaultIngestLimits)
	if err == nil || !strings.Contains(err.Error(), "absolute") {
		t.Fatalf("expected absolute-path rejection, got %v", err)
	}
}

func TestExtractWorkspaceArchiveRejectsTraversal(t *testing.T) {
	archive := writeZip(t, map[string]string{"../../etc/passwd": "evil"})
	dest := t.TempDir()

	err := ExtractWorkspaceArchive(archive, dest, DefaultIngestLimits)
	if err == nil || !strings.Contains(err.Error(), "traversal") {
		t.Fatalf("expected traversal rejection, got %v", err)
	}
}

func TestExtractWorkspaceArchiveRejectsTooManyFiles(t *testing.T) {
	entries := map[string]string{}
	for i := 0; i < 5; i++ {
		entries[filepath.Join("f", string(rune('a'+i)))] = "x"
	}
	archive := writeZip(t, entries)
	dest := t.TempDir()

	err := ExtractWorkspaceArchive(archive, dest, IngestLimits{MaxFiles: 2, MaxTotalBytes: 1 << 20, MaxPerFileBytes: 1 << 20})
	if err == nil || !strings.Contains(err.Error(), "limit is 2") {
		t.Fatalf("expected file-count rejection, got %v", err)
	}
}

func TestExtractWorkspaceArchiveRejectsOversizedFile(t *testing.T) {
	archive := writeZip(t, map[string]string{"big.tf": strings.Repeat("x", 100)})
	dest := t.TempDir()

	err := ExtractWorkspaceArchive(archive, dest, IngestLimits{MaxFiles: 10, MaxTotalBytes: 1 << 20, MaxPerFileBytes: 10})
	if err == nil || !strings.Contains(err.Error(), "bytes, limit is 10") {
		t.Fatalf("expected per-file-size rejection, got %v", err)
	}
}

func TestExtractWorkspaceArchiveRejectsOversizedTotal(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"a.tf": strings.Repeat("x", 60),
		"b.tf": strings.Repeat("y", 60),
	})
	dest := t.TempDir()

	err := ExtractWorkspaceArchive(archive, dest, IngestLimits{MaxFiles: 10, MaxTotalBytes: 100, MaxPerFileBytes: 1 << 20})
	if err == nil || !strings.Contains(err.Error(), "total size limit") {
		t.Fatalf("expected total-size rejection, got %v", err)
	}
}

func TestExtractWorkspaceArchiveLeavesNoPartialOutputOnRejection(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"ok.tf":          "fine",
		"../escape.tf": "evil",
	})
	dest := t.TempDir()

	if err := ExtractWorkspaceArchive(archive, dest, DefaultIngestLimits); err == nil {
		t.Fatal("expected rejection")
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("read dest dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files extracted before rejection, found %v", entries)
	}
}

func TestSafeExtractionPathRejectsEmptyName(t *testing.T) {
	if _, err := safeExtractionPath(t.TempDir(), ""); err == nil {
		t.Fatal("expected empty-name rejection")
	}
}

func TestSanitizeWorkspaceRemovesDeniedArtifacts(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"main.tf":                      "resource \"google_compute_firewall\" \"x\" {}",
		".terraform/providers/x":       "cached provider binary",
		".terraform.lock.hcl":          "provider lock",
		"terraform.tfstate":            "{}",
		"evil.sh":                      "#!/bin/sh\nrm -rf /",
	})
	dest := t.TempDir()
	if err := ExtractWorkspaceArchive(archive, dest, DefaultIngestLimits); err != nil {
		t.Fatalf("ExtractWorkspaceArchive: %v", err)
	}
	if err := SanitizeWorkspace(dest); err != nil {
		t.Fatalf("SanitizeWorkspace: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "main.tf")); err != nil {
		t.Fatalf("expected main.tf to survive sanitization: %v", err)
	}
	for _, denied := range []string{".terraform", ".terraform.lock.hcl", "terraform.tfstate", "evil.sh"} {
		if _, err := os.Stat(filepath.Join(dest, denied)); !os.IsNotExist(err) {
			t.Fatalf("expected %q to be removed, stat err = %v", denied, err)
		}
	}
}
