// Package snapshots turns a running instance's disk into a billed, durable
// qcow2 file via the hypervisor's live block-backup job, and manages the
// resulting per-user snapshot set under the snapshots directory.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vmparlor/parlor/lib/images"
	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/ports"
	"github.com/vmparlor/parlor/lib/qmp"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/users"
)

// RegistrySource is the slice of the session registry the engine reads.
type RegistrySource interface {
	Get(ctx context.Context, id string) (*registry.Record, error)
}

// QuotaStore is the slice of the user store the engine bills against.
type QuotaStore interface {
	Get(ctx context.Context, userID string) (users.Quota, error)
	Reserve(ctx context.Context, userID string, billMB int64) error
	Release(ctx context.Context, userID string, freedMB int64) error
}

// OverlaySource resolves the conventional overlay path for an instance.
type OverlaySource interface {
	OverlayPath(tag, instanceID string) (string, error)
}

// ControlClient is the slice of the control channel the engine drives.
type ControlClient interface {
	QueryBlock(ctx context.Context) ([]qmp.BlockDevice, error)
	DriveBackup(ctx context.Context, device, jobID, targetPath string) error
	WaitBlockJob(ctx context.Context, jobID string, deadline time.Duration) error
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	SnapshotsDir string
	Paths        *ports.RunPaths
	Registry     RegistrySource
	Quota        QuotaStore
	Overlays     OverlaySource
	// NewClient opens a control client for a socket path. Defaults to the
	// real one-shot client.
	NewClient func(socketPath string) ControlClient
	// BackupDeadline bounds the whole backup job.
	BackupDeadline time.Duration
	// Sizer prices an image file; defaults to the image toolchain's
	// actual-size with a stat fallback.
	Sizer func(ctx context.Context, path string) (int64, error)
}

// Engine creates, removes and lists user snapshots.
type Engine struct {
	dir            string
	paths          *ports.RunPaths
	reg            RegistrySource
	quota          QuotaStore
	overlays       OverlaySource
	newClient      func(string) ControlClient
	backupDeadline time.Duration
	sizer          func(ctx context.Context, path string) (int64, error)
}

// NewEngine builds an engine, filling in default collaborators.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		dir:            cfg.SnapshotsDir,
		paths:          cfg.Paths,
		reg:            cfg.Registry,
		quota:          cfg.Quota,
		overlays:       cfg.Overlays,
		newClient:      cfg.NewClient,
		backupDeadline: cfg.BackupDeadline,
		sizer:          cfg.Sizer,
	}
	if e.newClient == nil {
		e.newClient = func(socketPath string) ControlClient { return qmp.NewClient(socketPath) }
	}
	if e.backupDeadline <= 0 {
		e.backupDeadline = qmp.DefaultBackupDeadline
	}
	if e.sizer == nil {
		e.sizer = images.ActualSize
	}
	return e
}

// Create snapshots a running instance's disk into the user's snapshot set
// and bills the stored megabytes against the user's quota.
func (e *Engine) Create(ctx context.Context, userID, instanceID, osProfile string) (*SnapshotInfo, error) {
	log := logger.FromContext(ctx)

	socket := e.paths.ControlSocket(instanceID)
	if _, err := os.Stat(socket); err != nil {
		return nil, fmt.Errorf("%w: no control socket for %s", ErrVmNotRunning, instanceID)
	}

	target := filepath.Join(e.dir, CanonicalName(userID, osProfile, instanceID))

	source, err := e.billingSource(ctx, userID, instanceID, osProfile, target)
	if err != nil {
		return nil, err
	}
	billMB, err := e.priceMB(ctx, source)
	if err != nil {
		return nil, err
	}

	quota, err := e.quota.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if quota.StoredMB+billMB > quota.CapacityMB {
		return nil, fmt.Errorf("%w: stored %d MB + %d MB > capacity %d MB",
			users.ErrQuotaExceeded, quota.StoredMB, billMB, quota.CapacityMB)
	}

	client := e.newClient(socket)
	devices, err := client.QueryBlock(ctx)
	if err != nil {
		return nil, err
	}
	device, err := qmp.SelectBackupDevice(devices)
	if err != nil {
		return nil, err
	}

	jobID := "backup-" + uuid.NewString()
	log.InfoContext(ctx, "starting snapshot backup",
		"user_id", userID, "instance_id", instanceID, "device", device,
		"job_id", jobID, "target", target, "bill_mb", billMB)

	if err := client.DriveBackup(ctx, device, jobID, target); err != nil {
		return nil, err
	}
	if err := client.WaitBlockJob(ctx, jobID, e.backupDeadline); err != nil {
		// A half-written target must not show up in the user's snapshot
		// list or price the next backup.
		os.Remove(target)
		return nil, err
	}

	st, err := os.Stat(target)
	if err != nil || st.Size() == 0 {
		os.Remove(target)
		return nil, fmt.Errorf("%w: %s", ErrBackupFailed, target)
	}

	if err := e.quota.Reserve(ctx, userID, billMB); err != nil {
		// A concurrent snapshot may have consumed the headroom checked
		// above. The unbilled file must not stay behind.
		os.Remove(target)
		return nil, err
	}

	log.InfoContext(ctx, "snapshot stored",
		"user_id", userID, "instance_id", instanceID, "size_mb", billMB)

	return &SnapshotInfo{
		Name:       filepath.Base(target),
		OSProfile:  osProfile,
		InstanceID: instanceID,
		SizeMB:     billMB,
		ModifiedAt: st.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

// billingSource picks the file whose size prices the snapshot: the image the
// instance currently runs from, then an existing snapshot for the instance,
// then the conventional overlay.
func (e *Engine) billingSource(ctx context.Context, userID, instanceID, osProfile, expectedSnapshot string) (string, error) {
	var candidates []string
	if rec, err := e.reg.Get(ctx, instanceID); err == nil && rec.ImagePath != "" {
		candidates = append(candidates, rec.ImagePath)
	} else if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return "", err
	}
	candidates = append(candidates, expectedSnapshot)
	if overlay, err := e.overlays.OverlayPath(osProfile, instanceID); err == nil {
		candidates = append(candidates, overlay)
	}

	for _, path := range candidates {
		if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNoBillingSource, userID, instanceID)
}

// priceMB converts a source file to billed megabytes, rounding up.
func (e *Engine) priceMB(ctx context.Context, path string) (int64, error) {
	size, err := e.sizer(ctx, path)
	if err != nil || size <= 0 {
		st, statErr := os.Stat(path)
		if statErr != nil {
			return 0, fmt.Errorf("price %s: %w", path, statErr)
		}
		size = st.Size()
	}
	return int64(math.Ceil(float64(size) / (1 << 20))), nil
}

// Remove deletes one of the user's snapshots and returns the freed
// megabytes to their quota.
func (e *Engine) Remove(ctx context.Context, userID, name string) (int64, error) {
	log := logger.FromContext(ctx)

	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".qcow2") {
		base += ".qcow2"
	}
	if !strings.HasPrefix(base, userID+"__") {
		return 0, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	path := filepath.Join(e.dir, base)

	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrSnapshotNotFound, base)
	}
	freedMB := int64(math.Ceil(float64(st.Size()) / (1 << 20)))

	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("remove snapshot %s: %w", base, err)
	}
	if err := e.quota.Release(ctx, userID, freedMB); err != nil {
		// The file is gone; a failed decrement only overcounts usage. Log
		// and report success.
		log.ErrorContext(ctx, "quota release failed after snapshot removal",
			"user_id", userID, "name", base, "freed_mb", freedMB, "error", err)
	}

	log.InfoContext(ctx, "snapshot removed", "user_id", userID, "name", base, "freed_mb", freedMB)
	return freedMB, nil
}

// RemoveByTriplet removes a snapshot addressed by profile and instance id.
func (e *Engine) RemoveByTriplet(ctx context.Context, userID, osProfile, instanceID string) (int64, error) {
	return e.Remove(ctx, userID, CanonicalName(userID, osProfile, instanceID))
}

// List enumerates the user's snapshots, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var infos []SnapshotInfo
	prefix := userID + "__"
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		st, err := entry.Info()
		if err != nil {
			continue
		}
		osProfile, instanceID := parseName(entry.Name())
		infos = append(infos, SnapshotInfo{
			Name:       entry.Name(),
			OSProfile:  osProfile,
			InstanceID: instanceID,
			SizeMB:     int64(math.Ceil(float64(st.Size()) / (1 << 20))),
			ModifiedAt: st.ModTime().UTC().Format(time.RFC3339),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ModifiedAt > infos[j].ModifiedAt })
	return infos, nil
}
