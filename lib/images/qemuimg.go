package images

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// qemuImgBin is the image toolchain binary. Overridable for tests.
var qemuImgBin = "qemu-img"

// createOverlay invokes qemu-img to create a qcow2 overlay backed by base.
func createOverlay(ctx context.Context, base, overlay string) error {
	cmd := exec.CommandContext(ctx, qemuImgBin, "create",
		"-f", "qcow2", "-F", "qcow2", "-b", base, overlay)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create %s: %w: %s", overlay, err, out)
	}
	return nil
}

// createBlank creates an empty qcow2 disk of the given size in GiB.
func createBlank(ctx context.Context, path string, sizeGB int) error {
	cmd := exec.CommandContext(ctx, qemuImgBin, "create",
		"-f", "qcow2", path, fmt.Sprintf("%dG", sizeGB))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create %s: %w: %s", path, err, out)
	}
	return nil
}

type imgInfo struct {
	ActualSize  int64  `json:"actual-size"`
	VirtualSize int64  `json:"virtual-size"`
	Format      string `json:"format"`
}

// ActualSize returns the on-disk size qemu-img reports for an image, falling
// back to zero with an error when the toolchain is unavailable. Billing
// callers fall back to stat().
func ActualSize(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, qemuImgBin, "info", "--output=json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("qemu-img info %s: %w", path, err)
	}
	var info imgInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, fmt.Errorf("parse qemu-img info for %s: %w", path, err)
	}
	return info.ActualSize, nil
}
