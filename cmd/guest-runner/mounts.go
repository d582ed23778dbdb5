//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// mountPseudoFilesystems sets up the minimal filesystem layout a freshly
// booted, otherwise-empty microVM needs before anything else can run.
func mountPseudoFilesystems() error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
	}{
		{"proc", "/proc", "proc", 0},
		{"sysfs", "/sys", "sysfs", 0},
		{"devtmpfs", "/dev", "devtmpfs", 0},
		{"tmpfs", "/tmp", "tmpfs", 0},
		{"tmpfs", "/run", "tmpfs", 0},
		{"tmpfs", "/var", "tmpfs", 0},
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			return fmt.Errorf("create mount point %s: %w", m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			return fmt.Errorf("mount %s at %s: %w", m.fstype, m.target, err)
		}
	}
	return nil
}

// mountJobVolumes mounts the three non-root block devices a job run
// needs: the read-only workspace, the read-write scratch disk, and the
// read-write results disk. The validator-bundle image is the rootfs
// itself (device is_root_device=true on the host side) and needs no
// separate mount here.
func mountJobVolumes() error {
	if err := mountVolume(workspaceDevice, workspaceMount, true); err != nil {
		return err
	}
	if err := mountVolume(scratchDevice, scratchMount, false); err != nil {
		return err
	}
	return mountResultsOnly()
}

func mountResultsOnly() error {
	return mountVolume(resultsDevice, resultsMount, false)
}

func mountVolume(device, target string, readOnly bool) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create mount point %s: %w", target, err)
	}
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	if err := unix.Mount(device, target, "ext4", flags, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", device, target, err)
	}
	return nil
}

// unmountJobVolumes is best-effort teardown, called via defer: a failed
// unmount here doesn't change the job's outcome since the VM is about to
// be destroyed wholesale by the host.
func unmountJobVolumes() {
	for _, target := range []string{overlayMount, workspaceMount, scratchMount, resultsMount} {
		_ = unix.Unmount(target, 0)
	}
}

// buildWorkspaceOverlay layers the read-only workspace under a
// read-write scratch directory so the IaC tool can write lock files,
// provider plugin caches, and tfstate without mutating the submitted
// archive's contents.
func buildWorkspaceOverlay() error {
	upper := scratchMount + "/upper"
	work := scratchMount + "/work"
	for _, dir := range []string{upper, work, overlayMount} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create overlay directory %s: %w", dir, err)
		}
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", workspaceMount, upper, work)
	if err := unix.Mount("overlay", overlayMount, "overlay", 0, opts); err != nil {
		return fmt.Errorf("mount workspace overlay: %w", err)
	}
	return nil
}

func syncDisks() {
	unix.Sync()
	_ = exec.Command("sync").Run()
}
