// Package hosttools resolves the host binaries the Sandbox Runner shells
// out to (mkfs.ext4, firecracker, jailer) that are not always on PATH in
// every installation.
package hosttools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	linuxToolPrefixesOnce   sync.Once
	linuxToolCachedPrefixes []string
)

const linuxPackageInstallHint = "install it via your distribution's e2fsprogs/firecracker packages"

// ResolveBinary resolves a requested binary by checking, in order:
//  1. PATH
//  2. Known alternate install prefixes for the current platform.
func ResolveBinary(binary string) (string, error) {
	return resolveBinary(binary, exec.LookPath, os.Stat, candidateBinaryPaths(binary, toolPrefixes()))
}

// ResolveE2FSProgsBinary resolves an e2fsprogs binary (mkfs.ext4, etc).
func ResolveE2FSProgsBinary(binary string) (string, error) {
	return ResolveBinary(binary)
}

func resolveBinary(
	binary string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	candidates []string,
) (string, error) {
	trimmed := strings.TrimSpace(binary)
	if trimmed == "" {
		return "", fmt.Errorf("binary name is required")
	}

	if path, err := lookPath(trimmed); err == nil {
		return path, nil
	}

	for _, candidate := range candidates {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		info, err := stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}

	msg := fmt.Sprintf("%s not found in PATH or known install prefixes", trimmed)
	if hint := installHint(); hint != "" {
		msg += "; " + hint
	}
	return "", errors.New(msg)
}

func candidateBinaryPaths(binary string, prefixes []string) []string {
	trimmedBinary := strings.TrimSpace(binary)
	if trimmedBinary == "" {
		return nil
	}

	seen := map[string]struct{}{}
	out := make([]string, 0, len(prefixes)*2)
	appendCandidate := func(path string) {
		if strings.TrimSpace(path) == "" {
			return
		}
		if _, ok := seen[path]; ok {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for _, prefix := range prefixes {
		trimmedPrefix := strings.TrimSpace(prefix)
		if trimmedPrefix == "" {
			continue
		}
		appendCandidate(filepath.Join(trimmedPrefix, "sbin", trimmedBinary))
		appendCandidate(filepath.Join(trimmedPrefix, "bin", trimmedBinary))
	}
	return out
}

// toolPrefixes resolves extra search prefixes beyond PATH. On Linux these
// are the usual distro-packaged sbin locations that a minimal PATH (e.g.
// under sudo) may omit.
func toolPrefixes() []string {
	if runtime.GOOS != "linux" {
		return nil
	}

	linuxToolPrefixesOnce.Do(func() {
		prefixes := []string{"/usr/local", "/usr", "/sbin", "/usr/sbin"}
		linuxToolCachedPrefixes = prefixes
	})

	return append([]string(nil), linuxToolCachedPrefixes...)
}

func installHint() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	return linuxPackageInstallHint
}
