//go:build linux

// Command guest-runner is the init process (PID 1) inside the validation
// microVM. It brings up the single NIC, runs the deterministic egress
// self-checks when asked, mounts the job's three non-root block devices
// (the validator bundle is the root filesystem itself), runs the
// submitted Terraform workspace through an unprivileged account, scores
// the resulting state document against the task's invariants under a
// second unprivileged account, and writes exactly one of success.json or
// error.json to the results volume before exiting.
//
// Contract with the host is by convention only: boot-cmdline acore_*
// keys, fixed virtio-blk device ordinals, and the two result files. There
// is no in-band channel back to the Sandbox Runner.
package main

import (
	"fmt"
	"os"
)

const (
	// The validator-bundle root drive is attached first (/dev/vda); the
	// job volumes follow it in the launch plan's drive order.
	workspaceDevice = "/dev/vdb"
	scratchDevice   = "/dev/vdc"
	resultsDevice   = "/dev/vdd"

	workspaceMount = "/mnt/workspace"
	scratchMount   = "/mnt/scratch"
	resultsMount   = "/mnt/results"
	overlayMount   = "/run/workspace"

	taskSpecFile  = "task.json"
	tfstateFile   = "terraform.tfstate"
	tokenFilePath = ".credentials/access_token"
)

// evaluateSubcommand is how the evaluator step re-execs itself under a
// second, dedicated unprivileged uid (see evaluateInvariants): argv[1] is
// this literal, never a user-facing subcommand.
const evaluateSubcommand = "__evaluate__"

func main() {
	if len(os.Args) > 1 && os.Args[1] == evaluateSubcommand {
		os.Exit(runEvaluateChild())
	}
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			code = failBoot("panic", fmt.Errorf("%v", r))
		}
	}()

	cmdline, err := readCmdline("/proc/cmdline")
	if err != nil {
		return failBoot("cmdline", err)
	}

	if err := mountPseudoFilesystems(); err != nil {
		return failBoot("mounts", err)
	}

	if err := bringUpLoopback(); err != nil {
		return failBoot("network", err)
	}
	netCfg, err := configureNetwork(cmdline)
	if err != nil {
		return failBoot("network", err)
	}
	if err := writeResolvConf(netCfg.dnsServers); err != nil {
		return failBoot("network", err)
	}

	if cmdline.netChecksEnabled {
		if err := runNetChecks(netCfg, cmdline.netCheckTimeout); err != nil {
			return failWithResult("net-checks", err)
		}
		logGuest("network self-checks passed")
	}

	if err := mountJobVolumes(); err != nil {
		return failBoot("volumes", err)
	}
	defer unmountJobVolumes()

	if err := buildWorkspaceOverlay(); err != nil {
		return failWithResult("overlay", err)
	}

	token, err := readAndRedactToken()
	if err != nil {
		return failWithResult("credential", err)
	}

	if err := runTerraform(overlayMount, token); err != nil {
		return failWithResult("terraform", err)
	}
	logGuest("terraform run complete")

	result, err := evaluateInvariants(overlayMount)
	if err != nil {
		return failWithResult("evaluate", err)
	}

	if err := writeSuccess(result); err != nil {
		return failBoot("write-result", err)
	}
	syncDisks()
	logGuest(fmt.Sprintf("done: score=%.3f passed=%d/%d", result.Score, result.Passed, result.Total))
	return 0
}

func logGuest(msg string) {
	fmt.Fprintf(os.Stdout, "[guest-runner] %s\n", msg)
}

// failBoot handles failures before the results volume is known to be
// mounted: it tries best-effort to mount just the results device and
// write error.json, mirroring the Python runner's belief that writing a
// diagnostic is worth attempting even from a half-initialized state.
func failBoot(stage string, err error) int {
	logGuest(fmt.Sprintf("fatal during %s: %v", stage, err))
	_ = mountResultsOnly()
	_ = writeFailure(stage, err)
	syncDisks()
	return 1
}

// failWithResult assumes the results volume is already mounted.
func failWithResult(stage string, err error) int {
	logGuest(fmt.Sprintf("fatal during %s: %v", stage, err))
	_ = writeFailure(stage, err)
	syncDisks()
	return 1
}
