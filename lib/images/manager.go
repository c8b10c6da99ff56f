// Package images prepares the disk artifacts instances boot from: qcow2
// overlays over golden base images, user-uploaded installer images, and
// previously saved snapshot files.
package images

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/profiles"
)

// minInstallerBytes is the smallest size an installer image can plausibly
// have when resolved from disk.
const minInstallerBytes = 1 << 20

// Manager resolves and prepares disk images for one deployment.
type Manager struct {
	table        profiles.Table
	snapshotsDir string
}

// NewManager creates an image manager over the given profile table and
// snapshots directory.
func NewManager(table profiles.Table, snapshotsDir string) (*Manager, error) {
	if err := os.MkdirAll(snapshotsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots dir: %w", err)
	}
	return &Manager{table: table, snapshotsDir: snapshotsDir}, nil
}

// SnapshotsDir returns the configured snapshots directory.
func (m *Manager) SnapshotsDir() string {
	return m.snapshotsDir
}

// OverlayPath returns the canonical overlay path for an instance of the given
// profile, without touching the filesystem.
func (m *Manager) OverlayPath(tag, instanceID string) (string, error) {
	p, err := m.table.Get(tag)
	if err != nil {
		return "", err
	}
	if p.InstallerOnly() {
		return "", fmt.Errorf("%w: %s", ErrInstallerOnly, tag)
	}
	return filepath.Join(p.OverlayDir, fmt.Sprintf("%s_%s.qcow2", p.OverlayPrefix, instanceID)), nil
}

// EnsureOverlay returns the instance's overlay, creating it over the
// profile's base image when absent. An existing overlay is reused as-is.
func (m *Manager) EnsureOverlay(ctx context.Context, tag, instanceID string) (string, error) {
	log := logger.FromContext(ctx)

	overlay, err := m.OverlayPath(tag, instanceID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(overlay); err == nil {
		log.InfoContext(ctx, "overlay already exists", "overlay", overlay)
		return overlay, nil
	}

	p, _ := m.table.Get(tag)
	if err := os.MkdirAll(filepath.Dir(overlay), 0o755); err != nil {
		return "", fmt.Errorf("create overlay dir: %w", err)
	}
	if err := createOverlay(ctx, p.BaseImagePath, overlay); err != nil {
		return "", err
	}
	log.InfoContext(ctx, "created overlay", "overlay", overlay, "base", p.BaseImagePath)
	return overlay, nil
}

// ScratchDiskPath returns the path of the optional blank install-target disk
// attached to installer boots.
func (m *Manager) ScratchDiskPath(tag, instanceID string) string {
	base := m.snapshotsDir
	if p, err := m.table.Get(tag); err == nil && p.OverlayDir != "" {
		base = p.OverlayDir
	}
	return filepath.Join(base, fmt.Sprintf("iso-scratch-%s.qcow2", instanceID))
}

// EnsureScratchDisk creates a blank qcow2 disk of sizeGB for installer boots
// when it does not already exist.
func (m *Manager) EnsureScratchDisk(ctx context.Context, tag, instanceID string, sizeGB int) (string, error) {
	if sizeGB <= 0 {
		return "", fmt.Errorf("scratch disk size must be positive, got %d", sizeGB)
	}
	path := m.ScratchDiskPath(tag, instanceID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := createBlank(ctx, path, sizeGB); err != nil {
		return "", err
	}
	return path, nil
}

// InstallerDest computes where a user's installer image lives, applying the
// custom profile's path rules: a {uid} template is substituted, a fixed .iso
// path is taken verbatim, and anything else is treated as a directory that
// receives {uid}.iso. The returned path always carries an .iso suffix.
func (m *Manager) InstallerDest(userID string) (string, error) {
	p, err := m.table.Get(profiles.Custom)
	if err != nil {
		return "", err
	}
	base := p.BaseImagePath

	var dest string
	switch {
	case strings.Contains(base, "{uid}"):
		dest = strings.ReplaceAll(base, "{uid}", userID)
	case strings.EqualFold(filepath.Ext(base), ".iso"):
		dest = base
	default:
		dest = filepath.Join(base, userID+".iso")
	}
	if !strings.EqualFold(filepath.Ext(dest), ".iso") {
		dest += ".iso"
	}
	return dest, nil
}

// ResolveInstaller locates the user's uploaded installer image and verifies
// it is a regular file of plausible size.
func (m *Manager) ResolveInstaller(userID string) (string, error) {
	dest, err := m.InstallerDest(userID)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, dest)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrImageNotFound, dest)
	}
	if fi.Size() < minInstallerBytes {
		return "", fmt.Errorf("%w: %s is too small (%d bytes)", ErrImageNotFound, dest, fi.Size())
	}
	return dest, nil
}

// isoMarkers are the volume descriptor identifiers accepted at offset 0x8000.
var isoMarkers = [][]byte{[]byte("CD001"), []byte("NSR02"), []byte("NSR03")}

// minBootInstallerBytes is the boot-time floor for installer media. The
// resolve-time floor is looser so a fresh upload still resolves; nothing
// this small is handed to the hypervisor.
const minBootInstallerBytes = 10 << 20

// ValidateInstaller gates a resolved installer right before boot: it must be
// at least 10 MiB and carry an ISO9660 or UDF volume descriptor in the 8 KiB
// window at offset 0x8000.
func (m *Manager) ValidateInstaller(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrImageNotFound, path)
	}
	if fi.Size() < minBootInstallerBytes {
		return fmt.Errorf("%w: ISO too small (%d bytes)", ErrImageNotFound, fi.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrImageNotFound, path)
	}
	defer f.Close()

	buf := make([]byte, 8192)
	n, err := f.ReadAt(buf, 0x8000)
	if n == 0 && err != nil {
		return fmt.Errorf("%w: %s: cannot read volume descriptor area", ErrNotBootable, path)
	}
	window := buf[:n]
	for _, marker := range isoMarkers {
		if bytes.Contains(window, marker) {
			return nil
		}
	}
	return fmt.Errorf("%w: no CD001/NSR02/NSR03 at 0x8000 in %s", ErrNotBootable, path)
}

// ResolveSnapshot normalizes a snapshot name or path into the snapshots
// directory and requires the file to exist. Paths outside the snapshots
// directory are rejected.
func (m *Manager) ResolveSnapshot(userID, name string) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: invalid snapshot name %q", ErrImageNotFound, name)
	}
	path := filepath.Join(m.snapshotsDir, base)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, path)
	}
	return path, nil
}
