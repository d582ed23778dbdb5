package sandbox

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IngestLimits bounds what an untrusted submission archive is allowed to
// contain before any of it is extracted to disk.
type IngestLimits struct {
	MaxFiles        int
	MaxTotalBytes   int64
	MaxPerFileBytes int64
}

// DefaultIngestLimits matches the limits a job is rejected for exceeding.
var DefaultIngestLimits = IngestLimits{
	MaxFiles:        2000,
	MaxTotalBytes:   256 << 20,
	MaxPerFileBytes: 64 << 20,
}

// ErrArchiveRejected wraps every ingestion-time rejection reason so callers
// can distinguish "bad submission" from an internal I/O failure.
var ErrArchiveRejected = errors.New("sandbox: submission archive rejected")

// ExtractWorkspaceArchive validates every entry in a zip archive before
// extracting any of it: absolute paths, ".." traversal, and symlink entries
// are all rejected, and the archive's file count and byte budget are
// checked up front so a malicious submission cannot be partially
// materialized before detection.
func ExtractWorkspaceArchive(archivePath, destDir string, limits IngestLimits) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open submission archive: %w", err)
	}
	defer r.Close()

	if err := validateArchiveEntries(r.File, limits); err != nil {
		return err
	}

	for _, f := range r.File {
		targetPath, err := safeExtractionPath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", targetPath, err)
			}
			continue
		}
		if err := extractFileEntry(f, targetPath); err != nil {
			return err
		}
	}
	return nil
}

func validateArchiveEntries(files []*zip.File, limits IngestLimits) error {
	if len(files) > limits.MaxFiles {
		return fmt.Errorf("%w: archive contains %d files, limit is %d", ErrArchiveRejected, len(files), limits.MaxFiles)
	}

	var total int64
	for _, f := range files {
		if isSymlinkEntry(f) {
			return fmt.Errorf("%w: symlink entries are not permitted (%q)", ErrArchiveRejected, f.Name)
		}
		if err := rejectUnsafeName(f.Name); err != nil {
			return err
		}
		size := int64(f.UncompressedSize64)
		if size > limits.MaxPerFileBytes {
			return fmt.Errorf("%w: file %q is %d bytes, limit is %d", ErrArchiveRejected, f.Name, size, limits.MaxPerFileBytes)
		}
		total += size
		if total > limits.MaxTotalBytes {
			return fmt.Errorf("%w: archive exceeds total size limit of %d bytes", ErrArchiveRejected, limits.MaxTotalBytes)
		}
	}
	return nil
}

func isSymlinkEntry(f *zip.File) bool {
	return f.Mode()&os.ModeSymlink != 0
}

func rejectUnsafeName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: archive entry has an empty name", ErrArchiveRejected)
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("%w: archive entry %q has an absolute path", ErrArchiveRejected, name)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "..\\") {
		return fmt.Errorf("%w: archive entry %q attempts path traversal", ErrArchiveRejected, name)
	}
	return nil
}

func safeExtractionPath(destDir, name string) (string, error) {
	if err := rejectUnsafeName(name); err != nil {
		return "", err
	}
	target := filepath.Join(destDir, filepath.Clean(name))
	destPrefix := destDir + string(filepath.Separator)
	if target != destDir && !strings.HasPrefix(target, destPrefix) {
		return "", fmt.Errorf("%w: archive entry %q escapes the extraction root", ErrArchiveRejected, name)
	}
	return target, nil
}

// DeniedWorkspaceNames lists directory/file names the sanitizer removes
// outright: pre-initialized tool caches, lock files, and state a miner
// could use to pin an alternative provider version or smuggle a binary
// disguised as tool state.
var DeniedWorkspaceNames = map[string]bool{
	".terraform":               true,
	".terraform.lock.hcl":      true,
	"terraform.tfstate":        true,
	"terraform.tfstate.backup": true,
	".git":                     true,
}

// AllowedWorkspaceExtensions is the permitted extension set for everything
// else in a submitted workspace. Case-insensitive; extensionless files
// (e.g. ".gitignore"-style dotfiles) are rejected along with everything not
// in this set.
var AllowedWorkspaceExtensions = map[string]bool{
	".tf":      true,
	".tfvars":  true,
	".json":    true,
	".yaml":    true,
	".yml":     true,
	".md":      true,
	".txt":     true,
}

// SanitizeWorkspace walks destDir (already extracted by
// ExtractWorkspaceArchive) and removes every entry that is a known
// tool-cache/lock artifact or that falls outside the permitted extension
// set, so a miner cannot pin an alternative provider version or smuggle an
// executable past the archive-entry checks by disguising it as a data
// file. Runs only after extraction; it never touches anything outside
// destDir.
func SanitizeWorkspace(destDir string) error {
	var toRemove []string
	err := filepath.WalkDir(destDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == destDir {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if DeniedWorkspaceNames[name] {
				toRemove = append(toRemove, path)
				return filepath.SkipDir
			}
			return nil
		}
		if DeniedWorkspaceNames[name] {
			toRemove = append(toRemove, path)
			return nil
		}
		if !AllowedWorkspaceExtensions[strings.ToLower(filepath.Ext(name))] {
			toRemove = append(toRemove, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk workspace %q: %w", destDir, err)
	}
	for _, path := range toRemove {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove denied workspace entry %q: %w", path, err)
		}
	}
	return nil
}

func extractFileEntry(f *zip.File, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %q: %w", targetPath, err)
	}
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %q: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode().Perm()|0o600)
	if err != nil {
		return fmt.Errorf("create extracted file %q: %w", targetPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("write extracted file %q: %w", targetPath, err)
	}
	return nil
}
