package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// imageMode records whether a built block image is mounted read-only or
// read-write inside the guest, purely for logging/diagnostics — the mode
// bit itself lives in the firecracker drive configuration (is_read_only).
type imageMode int

const (
	imageReadOnly imageMode = iota
	imageReadWrite
)

const (
	workspaceHeadroomBytes = 64 << 20
	scratchImageSizeBytes  = 256 << 20
	resultsImageSizeBytes  = 16 << 20
	imageAlignBytes        = 4 << 20
	minimumImageSizeBytes  = 32 << 20
)

// buildImageFromDir sizes and formats an ext4 image from the contents of
// stagedDir, following the same truncate-then-mkfs.ext4 recipe the boot
// asset materializer uses for the validator-bundle image:
// compute a target size from the staged content, sparse-truncate a file to
// that size, then run mkfs.ext4 -d against the staged directory so the
// image is populated in one pass.
func buildImageFromDir(ctx context.Context, mkfsBinary, stagedDir, outputPath string, minSize int64) error {
	contentBytes, err := dirSize(stagedDir)
	if err != nil {
		return fmt.Errorf("calculate staged content size for %q: %w", outputPath, err)
	}
	targetSize := alignImageSize(contentBytes+workspaceHeadroomBytes, minSize)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory for %q: %w", outputPath, err)
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create image file %q: %w", outputPath, err)
	}
	if err := f.Truncate(targetSize); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate image %q to %d bytes: %w", outputPath, targetSize, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close image file %q: %w", outputPath, err)
	}

	cmd := exec.CommandContext(ctx, mkfsBinary, "-F", "-E", "lazy_itable_init=1,lazy_journal_init=1", "-d", stagedDir, outputPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(outputPath)
		return fmt.Errorf("run %s for %q: %w: %s", mkfsBinary, outputPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// buildEmptyImage formats a blank ext4 image of the given size with no
// staged content, used for the scratch and results volumes which the
// guest populates itself at runtime.
func buildEmptyImage(ctx context.Context, mkfsBinary, outputPath string, size int64) error {
	empty, err := os.MkdirTemp("", "sandbox-empty-*")
	if err != nil {
		return fmt.Errorf("create empty staging directory: %w", err)
	}
	defer os.RemoveAll(empty)
	return buildImageFromDir(ctx, mkfsBinary, empty, outputPath, size)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func alignImageSize(target, minimum int64) int64 {
	if target < minimum {
		target = minimum
	}
	remainder := target % imageAlignBytes
	if remainder == 0 {
		return target
	}
	return target + (imageAlignBytes - remainder)
}

// jobImages is the set of four ext4 block images a single job's Firecracker
// microVM boots with (the launch plan fixes their drive order; the boot
// cmdline carries no drive information): read-only workspace and validator bundle, and read-write
// scratch and results volumes.
type jobImages struct {
	WorkspaceRO      string
	ScratchRW        string
	ResultsRW        string
	ValidatorBundleRO string
}

// buildJobImages builds the three per-job images (workspace, scratch,
// results) into runDir and returns them together with the fourth drive.
// workspaceDir must already contain the extracted, validated submission
// (see ExtractWorkspaceArchive); validatorBundlePath is the shared,
// already-materialized validator bundle image (see internal/bootassets)
// and is referenced directly rather than rebuilt per job.
func buildJobImages(ctx context.Context, mkfsBinary, runDir, workspaceDir, validatorBundlePath string) (jobImages, error) {
	images := jobImages{
		WorkspaceRO:      filepath.Join(runDir, "workspace.ext4"),
		ScratchRW:        filepath.Join(runDir, "scratch.ext4"),
		ResultsRW:        filepath.Join(runDir, "results.ext4"),
		ValidatorBundleRO: validatorBundlePath,
	}

	if err := buildImageFromDir(ctx, mkfsBinary, workspaceDir, images.WorkspaceRO, minimumImageSizeBytes); err != nil {
		return jobImages{}, fmt.Errorf("build workspace image: %w", err)
	}
	if err := buildEmptyImage(ctx, mkfsBinary, images.ScratchRW, scratchImageSizeBytes); err != nil {
		return jobImages{}, fmt.Errorf("build scratch image: %w", err)
	}
	if err := buildEmptyImage(ctx, mkfsBinary, images.ResultsRW, resultsImageSizeBytes); err != nil {
		return jobImages{}, fmt.Errorf("build results image: %w", err)
	}
	return images, nil
}
