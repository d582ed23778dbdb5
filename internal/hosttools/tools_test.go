package hosttools

import (
	"errors"
	"os"
	"testing"
)

func TestResolveBinaryFindsOnPath(t *testing.T) {
	lookPath := func(name string) (string, error) { return "/usr/bin/" + name, nil }
	stat := func(string) (os.FileInfo, error) { return nil, errors.New("unused") }
	got, err := resolveBinary("mkfs.ext4", lookPath, stat, nil)
	if err != nil {
		t.Fatalf("resolveBinary: %v", err)
	}
	if got != "/usr/bin/mkfs.ext4" {
		t.Fatalf("unexpected path: %q", got)
	}
}

func TestResolveBinaryFallsBackToCandidates(t *testing.T) {
	lookPath := func(string) (string, error) { return "", errors.New("not on PATH") }
	stat := func(path string) (os.FileInfo, error) {
		if path == "/usr/local/sbin/mkfs.ext4" {
			return fakeFileInfo{}, nil
		}
		return nil, os.ErrNotExist
	}
	got, err := resolveBinary("mkfs.ext4", lookPath, stat, []string{
		"/usr/sbin/mkfs.ext4",
		"/usr/local/sbin/mkfs.ext4",
	})
	if err != nil {
		t.Fatalf("resolveBinary: %v", err)
	}
	if got != "/usr/local/sbin/mkfs.ext4" {
		t.Fatalf("unexpected path: %q", got)
	}
}

func TestResolveBinaryErrorsWhenNotFound(t *testing.T) {
	lookPath := func(string) (string, error) { return "", errors.New("not on PATH") }
	stat := func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	if _, err := resolveBinary("mkfs.ext4", lookPath, stat, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveBinaryRejectsEmptyName(t *testing.T) {
	if _, err := resolveBinary("", exec_LookPathStub, os.Stat, nil); err == nil {
		t.Fatal("expected error for empty binary name")
	}
}

func exec_LookPathStub(string) (string, error) { return "", os.ErrNotExist }

type fakeFileInfo struct{ os.FileInfo }

func (fakeFileInfo) IsDir() bool { return false }
