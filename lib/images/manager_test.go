package images

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmparlor/parlor/lib/profiles"
)

func testTable(t *testing.T) (profiles.Table, string) {
	t.Helper()
	dir := t.TempDir()
	table := profiles.Table{
		"alpine": {
			OverlayDir:      filepath.Join(dir, "overlays"),
			OverlayPrefix:   "alpine",
			BaseImagePath:   filepath.Join(dir, "alpine-base.qcow2"),
			DefaultMemoryMB: 1024,
		},
		profiles.Custom: {
			BaseImagePath: filepath.Join(dir, "installers"),
		},
	}
	return table, dir
}

func TestOverlayPath(t *testing.T) {
	table, dir := testTable(t)
	m, err := NewManager(table, filepath.Join(dir, "snaps"))
	require.NoError(t, err)

	path, err := m.OverlayPath("alpine", "deadbe")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "overlays", "alpine_deadbe.qcow2"), path)

	_, err = m.OverlayPath(profiles.Custom, "deadbe")
	require.ErrorIs(t, err, ErrInstallerOnly)

	_, err = m.OverlayPath("windows", "deadbe")
	require.ErrorIs(t, err, profiles.ErrUnknownProfile)
}

func TestEnsureOverlayReusesExisting(t *testing.T) {
	table, dir := testTable(t)
	m, err := NewManager(table, filepath.Join(dir, "snaps"))
	require.NoError(t, err)

	overlay := filepath.Join(dir, "overlays", "alpine_deadbe.qcow2")
	require.NoError(t, os.MkdirAll(filepath.Dir(overlay), 0o755))
	require.NoError(t, os.WriteFile(overlay, []byte("qcow2"), 0o644))

	// No qemu-img invocation happens when the overlay already exists.
	got, err := m.EnsureOverlay(t.Context(), "alpine", "deadbe")
	require.NoError(t, err)
	require.Equal(t, overlay, got)
}

func TestInstallerDest(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		base string
		want string
	}{
		{"template", filepath.Join(dir, "{uid}.iso"), filepath.Join(dir, "u42.iso")},
		{"fixed iso", filepath.Join(dir, "shared.iso"), filepath.Join(dir, "shared.iso")},
		{"directory", dir, filepath.Join(dir, "u42.iso")},
		{"template without suffix", filepath.Join(dir, "{uid}"), filepath.Join(dir, "u42.iso")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := profiles.Table{profiles.Custom: {BaseImagePath: tt.base}}
			m, err := NewManager(table, filepath.Join(dir, "snaps"))
			require.NoError(t, err)

			dest, err := m.InstallerDest("u42")
			require.NoError(t, err)
			require.Equal(t, tt.want, dest)
		})
	}
}

func TestResolveInstaller(t *testing.T) {
	table, dir := testTable(t)
	m, err := NewManager(table, filepath.Join(dir, "snaps"))
	require.NoError(t, err)

	// Absent.
	_, err = m.ResolveInstaller("u42")
	require.ErrorIs(t, err, ErrImageNotFound)

	// Too small.
	dest, err := m.InstallerDest("u42")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, make([]byte, 512*1024), 0o644))
	_, err = m.ResolveInstaller("u42")
	require.ErrorIs(t, err, ErrImageNotFound)

	// Plausible.
	require.NoError(t, os.WriteFile(dest, make([]byte, 2<<20), 0o644))
	got, err := m.ResolveInstaller("u42")
	require.NoError(t, err)
	require.Equal(t, dest, got)
}

func writeISO(t *testing.T, path string, marker string, size int) {
	t.Helper()
	data := make([]byte, size)
	copy(data[0x8001:], marker)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestValidateInstaller(t *testing.T) {
	table, dir := testTable(t)
	m, err := NewManager(table, filepath.Join(dir, "snaps"))
	require.NoError(t, err)

	iso := filepath.Join(dir, "ok.iso")
	writeISO(t, iso, "CD001", 10<<20)
	require.NoError(t, m.ValidateInstaller(iso))

	udf := filepath.Join(dir, "udf.iso")
	writeISO(t, udf, "NSR02", 10<<20)
	require.NoError(t, m.ValidateInstaller(udf))

	junk := filepath.Join(dir, "junk.iso")
	require.NoError(t, os.WriteFile(junk, make([]byte, 10<<20), 0o644))
	require.ErrorIs(t, m.ValidateInstaller(junk), ErrNotBootable)

	// Resolvable but below the boot-time floor, marker or not.
	small := filepath.Join(dir, "small.iso")
	writeISO(t, small, "CD001", 2<<20)
	err = m.ValidateInstaller(small)
	require.ErrorIs(t, err, ErrImageNotFound)
	require.Contains(t, err.Error(), "ISO too small")

	tiny := filepath.Join(dir, "tiny.iso")
	require.NoError(t, os.WriteFile(tiny, make([]byte, 1024), 0o644))
	require.ErrorIs(t, m.ValidateInstaller(tiny), ErrImageNotFound)

	require.ErrorIs(t, m.ValidateInstaller(filepath.Join(dir, "missing.iso")), ErrImageNotFound)
}

func TestResolveSnapshot(t *testing.T) {
	table, dir := testTable(t)
	snaps := filepath.Join(dir, "snaps")
	m, err := NewManager(table, snaps)
	require.NoError(t, err)

	name := "u42__alpine__deadbe.qcow2"
	require.NoError(t, os.WriteFile(filepath.Join(snaps, name), []byte("qcow2"), 0o644))

	// Basename.
	path, err := m.ResolveSnapshot("u42", name)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(snaps, name), path)

	// Absolute path gets confined to the snapshots dir by basename.
	path, err = m.ResolveSnapshot("u42", "/elsewhere/"+name)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(snaps, name), path)

	// Traversal cannot escape.
	_, err = m.ResolveSnapshot("u42", "../../etc/passwd")
	require.ErrorIs(t, err, ErrImageNotFound)

	_, err = m.ResolveSnapshot("u42", "nope.qcow2")
	require.ErrorIs(t, err, ErrImageNotFound)
}
