package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// firecrackerConfig is the JSON document handed to firecracker via
// --config-file, in place of driving the runtime API over its unix
// socket by hand.
type firecrackerConfig struct {
	BootSource        bootSource         `json:"boot-source"`
	Drives            []drive            `json:"drives"`
	MachineConfig     machineConfig      `json:"machine-config"`
	NetworkInterfaces []networkInterface `json:"network-interfaces,omitempty"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VCPUCount  int64 `json:"vcpu_count"`
	MemSizeMiB int64 `json:"mem_size_mib"`
	SMT        bool  `json:"smt"`
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac"`
}

// launchPlan is everything launchGuest needs to boot one job's microVM.
type launchPlan struct {
	FirecrackerBinary string
	JailerBinary      string
	ChrootBaseDir     string
	JailerUID         int64
	JailerGID         int64
	JobID             string
	RunDir            string
	KernelImagePath   string
	Images            jobImages
	VCPUs             int64
	MemoryMiB         int64
	TAP               *TAPDevice
	DNSServers        []string
	NetCheckHosts     []string
	NetCheckTimeout   time.Duration
	BootTimeout       time.Duration
	TerminateGrace    time.Duration
}

// launchResult reports how the microVM exited; it carries no guest-side
// outcome (that comes from the results volume), only process-level
// bookkeeping.
type launchResult struct {
	ExitCode int
	TimedOut bool
}

// launchGuest builds the per-job jailer chroot, writes the firecracker JSON
// config into it, and runs firecracker under jailer to completion (or until
// BootTimeout), escalating SIGTERM-then-SIGKILL via terminateFirecracker
// rather than a bare Kill. Jailer changes root into the chroot, drops
// privileges to plan.JailerUID/JailerGID, and exposes only /dev/kvm and the
// per-job chroot to the firecracker process it execs; there is still no
// vsock control channel — the engine's guest/host contract is the
// boot-cmdline convention plus the four block devices, not an in-band
// channel.
func launchGuest(ctx context.Context, plan launchPlan) (launchResult, error) {
	if plan.TAP == nil {
		return launchResult{}, errors.New("sandbox: launch plan has no TAP device")
	}

	jail, err := buildJail(plan.ChrootBaseDir, plan.JobID, plan.KernelImagePath, map[string]string{
		"workspace": plan.Images.WorkspaceRO,
		"scratch":   plan.Images.ScratchRW,
		"results":   plan.Images.ResultsRW,
		"validator": plan.Images.ValidatorBundleRO,
	})
	if err != nil {
		return launchResult{}, fmt.Errorf("build jail: %w", err)
	}

	cfg := firecrackerConfig{
		BootSource: bootSource{
			KernelImagePath: jail.KernelPath,
			BootArgs:        buildBootArgs(plan),
		},
		Drives: []drive{
			{DriveID: "workspace", PathOnHost: jail.Drives["workspace"], IsRootDevice: false, IsReadOnly: true},
			{DriveID: "scratch", PathOnHost: jail.Drives["scratch"], IsRootDevice: false, IsReadOnly: false},
			{DriveID: "results", PathOnHost: jail.Drives["results"], IsRootDevice: false, IsReadOnly: false},
			{DriveID: "validator", PathOnHost: jail.Drives["validator"], IsRootDevice: true, IsReadOnly: true},
		},
		MachineConfig: machineConfig{
			VCPUCount:  nonZeroOr(plan.VCPUs, 1),
			MemSizeMiB: nonZeroOr(plan.MemoryMiB, 512),
			SMT:        false,
		},
		NetworkInterfaces: []networkInterface{
			{IfaceID: "eth0", HostDevName: plan.TAP.Name, GuestMAC: plan.TAP.MACAddress.String()},
		},
	}

	cfgPath := filepath.Join(jail.Dir, filepath.Base(jail.ConfigPath))
	if err := writeJSONFile(cfgPath, cfg); err != nil {
		return launchResult{}, err
	}

	cmd := exec.CommandContext(ctx, plan.JailerBinary,
		"--id", jail.ID,
		"--exec-file", plan.FirecrackerBinary,
		"--uid", strconv.FormatInt(nonZeroOr(plan.JailerUID, 1), 10),
		"--gid", strconv.FormatInt(nonZeroOr(plan.JailerGID, 1), 10),
		"--chroot-base-dir", plan.ChrootBaseDir,
		"--node", "0",
		"--",
		"--api-sock", jail.APISocketPath,
		"--config-file", jail.ConfigPath,
	)

	stdoutPath := filepath.Join(plan.RunDir, "firecracker.stdout.log")
	stderrPath := filepath.Join(plan.RunDir, "firecracker.stderr.log")
	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return launchResult{}, fmt.Errorf("create firecracker stdout log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return launchResult{}, fmt.Errorf("create firecracker stderr log: %w", err)
	}
	defer stderrFile.Close()
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	bootTimeout := plan.BootTimeout
	if bootTimeout <= 0 {
		bootTimeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()

	if err := cmd.Start(); err != nil {
		return launchResult{}, fmt.Errorf("start firecracker: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case waitErr := <-waitCh:
		return launchResultFromWait(waitErr)
	case <-runCtx.Done():
		terminateFirecracker(cmd, waitCh, plan.TerminateGrace)
		return launchResult{TimedOut: true}, fmt.Errorf("%w: firecracker boot/run exceeded %s", ErrCommandTimedOut, bootTimeout)
	}
}

func launchResultFromWait(waitErr error) (launchResult, error) {
	if waitErr == nil {
		return launchResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return launchResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return launchResult{}, fmt.Errorf("wait for firecracker: %w", waitErr)
}

func terminateFirecracker(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-waitCh:
		return
	case <-time.After(grace):
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-waitCh
}

// buildBootArgs assembles the kernel command line the guest runner reads
// its contract from: static network configuration for the TAP link (no
// DHCP round trip needed since the host already knows the address it
// assigned) plus the guest's own egress self-check parameters.
func buildBootArgs(plan launchPlan) string {
	args := "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/guest-runner"
	args += fmt.Sprintf(" acore_static_ip=%s/%d", plan.TAP.GuestIP, maskBits(plan.TAP))
	args += fmt.Sprintf(" acore_static_gw=%s", plan.TAP.HostIP)
	if len(plan.DNSServers) > 0 {
		args += " acore_static_dns=" + joinComma(plan.DNSServers)
	}
	if len(plan.NetCheckHosts) > 0 {
		args += " acore_net_checks=1"
	} else {
		args += " acore_net_checks=0"
	}
	timeout := plan.NetCheckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	args += fmt.Sprintf(" acore_net_check_timeout=%d", int64(timeout.Seconds()))
	return args
}

func maskBits(tap *TAPDevice) int {
	ones, _ := tap.Mask.Size()
	if ones == 0 {
		return 30
	}
	return ones
}

func joinComma(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func nonZeroOr(v, fallback int64) int64 {
	if v <= 0 {
		return fallback
	}
	return v
}

func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
