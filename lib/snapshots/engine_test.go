package snapshots

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmparlor/parlor/lib/ports"
	"github.com/vmparlor/parlor/lib/qmp"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/users"
)

type fakeRegistry struct {
	records map[string]*registry.Record
}

func (f *fakeRegistry) Get(_ context.Context, id string) (*registry.Record, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
}

type fakeQuota struct {
	quota    users.Quota
	reserved []int64
	released []int64
	// reserveErr simulates a concurrent fill between check and bill.
	reserveErr error
}

func (f *fakeQuota) Get(context.Context, string) (users.Quota, error) { return f.quota, nil }

func (f *fakeQuota) Reserve(_ context.Context, _ string, billMB int64) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.reserved = append(f.reserved, billMB)
	f.quota.StoredMB += billMB
	return nil
}

func (f *fakeQuota) Release(_ context.Context, _ string, freedMB int64) error {
	f.released = append(f.released, freedMB)
	return nil
}

type fakeOverlays struct{ path string }

func (f *fakeOverlays) OverlayPath(string, string) (string, error) {
	if f.path == "" {
		return "", fmt.Errorf("installer-only profile")
	}
	return f.path, nil
}

// fakeControl writes the target file when the backup job starts, mimicking a
// hypervisor completing a full backup before the first poll.
type fakeControl struct {
	devices    []qmp.BlockDevice
	targetSize int64
	backups    []string
	failBackup bool
	waitErr    error
}

func (f *fakeControl) QueryBlock(context.Context) ([]qmp.BlockDevice, error) {
	return f.devices, nil
}

func (f *fakeControl) DriveBackup(_ context.Context, device, jobID, targetPath string) error {
	if f.failBackup {
		return fmt.Errorf("drive-backup: GenericError")
	}
	f.backups = append(f.backups, fmt.Sprintf("%s|%s", device, jobID))
	return os.WriteFile(targetPath, make([]byte, f.targetSize), 0o644)
}

func (f *fakeControl) WaitBlockJob(context.Context, string, time.Duration) error { return f.waitErr }

func writableDisk(device string) qmp.BlockDevice {
	return qmp.BlockDevice{
		Device:   device,
		Inserted: &qmp.BlockInserted{Image: qmp.BlockImage{Format: "qcow2"}},
	}
}

type engineFixture struct {
	engine  *Engine
	dir     string
	paths   *ports.RunPaths
	quota   *fakeQuota
	control *fakeControl
	reg     *fakeRegistry
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	paths, err := ports.NewRunPaths(t.TempDir())
	require.NoError(t, err)

	f := &engineFixture{
		dir:   t.TempDir(),
		paths: paths,
		quota: &fakeQuota{quota: users.Quota{CapacityMB: 1024}},
		control: &fakeControl{
			devices:    []qmp.BlockDevice{writableDisk("virtio0")},
			targetSize: 3 << 20,
		},
		reg: &fakeRegistry{records: map[string]*registry.Record{}},
	}
	f.engine = NewEngine(EngineConfig{
		SnapshotsDir: f.dir,
		Paths:        paths,
		Registry:     f.reg,
		Quota:        f.quota,
		Overlays:     &fakeOverlays{},
		NewClient:    func(string) ControlClient { return f.control },
		// stat-based pricing; no image toolchain in tests
		Sizer: func(context.Context, string) (int64, error) { return 0, fmt.Errorf("unavailable") },
	})
	return f
}

// markRunning creates the control socket file the engine checks for.
func (f *engineFixture) markRunning(t *testing.T, instanceID string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.paths.ControlSocket(instanceID), nil, 0o644))
}

// addImage registers a running image to bill against.
func (f *engineFixture) addImage(t *testing.T, userID, instanceID string, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.qcow2")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	f.reg.records[instanceID] = &registry.Record{
		InstanceID: instanceID,
		UserID:     userID,
		ImagePath:  path,
	}
	return path
}

func TestCreateSnapshot(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 5<<20)

	info, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.NoError(t, err)
	require.Equal(t, "u1__alpine__deadbe.qcow2", info.Name)
	require.Equal(t, "alpine", info.OSProfile)
	require.Equal(t, "deadbe", info.InstanceID)
	require.Equal(t, int64(5), info.SizeMB)

	// Backup went to the canonical target through the selected device.
	require.Len(t, f.control.backups, 1)
	require.True(t, strings.HasPrefix(f.control.backups[0], "virtio0|backup-"))
	require.FileExists(t, filepath.Join(f.dir, info.Name))
	require.Equal(t, []int64{5}, f.quota.reserved)
}

func TestCreateSnapshotNotRunning(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, ErrVmNotRunning)
	require.Empty(t, f.quota.reserved)
}

func TestCreateSnapshotQuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 5<<20)
	f.quota.quota = users.Quota{CapacityMB: 10, StoredMB: 8}

	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, users.ErrQuotaExceeded)
	require.Empty(t, f.control.backups)
}

func TestCreateSnapshotConcurrentQuotaFill(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 5<<20)
	f.quota.reserveErr = users.ErrQuotaExceeded

	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, users.ErrQuotaExceeded)
	// The unbilled output file was cleaned up.
	require.NoFileExists(t, filepath.Join(f.dir, "u1__alpine__deadbe.qcow2"))
}

func TestCreateSnapshotBillingPriority(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")

	// No registry image; an existing snapshot for this instance prices the
	// new one.
	prior := filepath.Join(f.dir, CanonicalName("u1", "alpine", "deadbe"))
	require.NoError(t, os.WriteFile(prior, make([]byte, 7<<20), 0o644))

	info, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.NoError(t, err)
	require.Equal(t, int64(7), info.SizeMB)
}

func TestCreateSnapshotNoBillingSource(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")

	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, ErrNoBillingSource)
}

func TestCreateSnapshotBillRoundsUp(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 1<<20+1)

	info, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.NoError(t, err)
	require.Equal(t, int64(2), info.SizeMB)
}

func TestCreateSnapshotNoDevice(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 1<<20)
	f.control.devices = []qmp.BlockDevice{{Device: "ide1-cd0", Removable: true}}

	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, qmp.ErrNoBackupDevice)
}

func TestCreateSnapshotEmptyOutput(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 1<<20)
	f.control.targetSize = 0

	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, ErrBackupFailed)
	require.Empty(t, f.quota.reserved)
	// The empty output never surfaces in the user's snapshot set.
	require.NoFileExists(t, filepath.Join(f.dir, "u1__alpine__deadbe.qcow2"))
}

func TestCreateSnapshotTimeoutRemovesPartialFile(t *testing.T) {
	f := newFixture(t)
	f.markRunning(t, "deadbe")
	f.addImage(t, "u1", "deadbe", 5<<20)
	f.control.waitErr = qmp.ErrBackupTimeout

	_, err := f.engine.Create(t.Context(), "u1", "deadbe", "alpine")
	require.ErrorIs(t, err, qmp.ErrBackupTimeout)
	require.Empty(t, f.quota.reserved)
	require.NoFileExists(t, filepath.Join(f.dir, "u1__alpine__deadbe.qcow2"))

	infos, err := f.engine.List(t.Context(), "u1")
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestRemoveSnapshot(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "u1__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(path, make([]byte, 3<<20), 0o644))

	freed, err := f.engine.Remove(t.Context(), "u1", "u1__alpine__deadbe.qcow2")
	require.NoError(t, err)
	require.Equal(t, int64(3), freed)
	require.NoFileExists(t, path)
	require.Equal(t, []int64{3}, f.quota.released)
}

func TestRemoveSnapshotByTriplet(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "u1__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0o644))

	freed, err := f.engine.RemoveByTriplet(t.Context(), "u1", "alpine", "deadbe")
	require.NoError(t, err)
	require.Equal(t, int64(1), freed)
	require.NoFileExists(t, path)
}

func TestRemoveSnapshotAppendsSuffix(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "u1__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(path, make([]byte, 1<<20), 0o644))

	_, err := f.engine.Remove(t.Context(), "u1", "u1__alpine__deadbe")
	require.NoError(t, err)
	require.NoFileExists(t, path)
}

func TestRemoveSnapshotConfinement(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "u1__alpine__esc.qcow2")
	require.NoError(t, os.WriteFile(outside, make([]byte, 1<<20), 0o644))

	// Traversal collapses to the basename, which does not exist under the
	// snapshots directory.
	_, err := f.engine.Remove(t.Context(), "u1", "../../"+filepath.Base(outside))
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.FileExists(t, outside)
}

func TestRemoveSnapshotForeignPrefix(t *testing.T) {
	f := newFixture(t)
	other := filepath.Join(f.dir, "u2__alpine__deadbe.qcow2")
	require.NoError(t, os.WriteFile(other, make([]byte, 1<<20), 0o644))

	_, err := f.engine.Remove(t.Context(), "u1", "u2__alpine__deadbe.qcow2")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.FileExists(t, other)
}

func TestRemoveSnapshotMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Remove(t.Context(), "u1", "u1__alpine__nothere.qcow2")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	require.Empty(t, f.quota.released)
}

func TestListUserSnapshots(t *testing.T) {
	f := newFixture(t)
	old := filepath.Join(f.dir, "u1__alpine__aaa.qcow2")
	recent := filepath.Join(f.dir, "u1__ubuntu__bbb.qcow2")
	foreign := filepath.Join(f.dir, "u2__alpine__ccc.qcow2")
	for _, p := range []string{old, recent, foreign} {
		require.NoError(t, os.WriteFile(p, make([]byte, 2<<20), 0o644))
	}
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	infos, err := f.engine.List(t.Context(), "u1")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	// Newest first, only this user's files.
	require.Equal(t, "u1__ubuntu__bbb.qcow2", infos[0].Name)
	require.Equal(t, "ubuntu", infos[0].OSProfile)
	require.Equal(t, "bbb", infos[0].InstanceID)
	require.Equal(t, int64(2), infos[0].SizeMB)
	require.Equal(t, "u1__alpine__aaa.qcow2", infos[1].Name)

	ts, err := time.Parse(time.RFC3339, infos[0].ModifiedAt)
	require.NoError(t, err)
	require.Equal(t, time.UTC, ts.Location())
}

func TestListUserSnapshotsEmpty(t *testing.T) {
	f := newFixture(t)
	infos, err := f.engine.List(t.Context(), "nobody")
	require.NoError(t, err)
	require.Empty(t, infos)
}
