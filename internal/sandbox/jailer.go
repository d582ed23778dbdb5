package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// jailIDPattern mirrors jailer's own `--id` validation: alphanumeric only,
// no path separators or job-ID punctuation.
var jailIDPattern = regexp.MustCompile(`^[[:alnum:]]+$`)

// jailPlan is one job's jailer chroot: a directory jailer itself will
// chroot the firecracker process into, pre-populated with everything that
// process needs to find by path once nothing outside the jail is visible
// to it. jailer creates /dev/kvm and /dev/net/tun inside the jail itself
// (that's the "exposes only /dev/kvm and the per-job chroot" half of the
// contract); staging the kernel, drives, and config file in is ours to do.
type jailPlan struct {
	ID            string
	Dir           string // host path to <chroot-base-dir>/firecracker/<id>/root
	KernelPath    string // in-jail path, e.g. "/kernel.bin"
	ConfigPath    string // in-jail path, e.g. "/config.json"
	APISocketPath string // in-jail path, e.g. "/firecracker.sock"
	Drives        map[string]string
}

// buildJail stages the kernel image and every drive into a fresh chroot
// directory under chrootBaseDir, per spec.md's jailed-chroot step: a
// per-job directory populated with the pinned kernel image and a copy of
// each block image so the microVM's supervisor process never sees a path
// outside its own job.
func buildJail(chrootBaseDir, jobID, kernelImagePath string, drives map[string]string) (jailPlan, error) {
	id := sanitizeJailID(jobID)
	root := filepath.Join(chrootBaseDir, "firecracker", id, "root")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return jailPlan{}, fmt.Errorf("create jail root %q: %w", root, err)
	}

	const kernelJailName = "kernel.bin"
	if err := linkOrCopyIntoJail(kernelImagePath, filepath.Join(root, kernelJailName)); err != nil {
		return jailPlan{}, fmt.Errorf("stage kernel image into jail: %w", err)
	}

	jailDrives := make(map[string]string, len(drives))
	for driveID, hostPath := range drives {
		jailName := driveID + ".ext4"
		if err := linkOrCopyIntoJail(hostPath, filepath.Join(root, jailName)); err != nil {
			return jailPlan{}, fmt.Errorf("stage drive %q into jail: %w", driveID, err)
		}
		jailDrives[driveID] = "/" + jailName
	}

	return jailPlan{
		ID:            id,
		Dir:           root,
		KernelPath:    "/" + kernelJailName,
		ConfigPath:    "/config.json",
		APISocketPath: "/firecracker.sock",
		Drives:        jailDrives,
	}, nil
}

// sanitizeJailID satisfies jailer's `--id` charset restriction. Typed IDs
// (go.jetify.com/typeid) carry underscores and the job UUID carries
// dashes, neither of which jailer accepts, so non-alnum input is rendered
// as a deterministic hex digest instead of being passed through.
func sanitizeJailID(jobID string) string {
	if jailIDPattern.MatchString(jobID) {
		return jobID
	}
	return fmt.Sprintf("%x", []byte(jobID))
}

// linkOrCopyIntoJail hardlinks src into dst, falling back to a copy across
// filesystems, the same EXDEV fallback internal/jobstore uses to link a
// canonical submission into its by-miner index.
func linkOrCopyIntoJail(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %q to %q: %w", src, dst, err)
	}
	return nil
}
