package profiles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	data := []byte(`
alpine:
  overlay_dir: /ov/alpine
  overlay_prefix: alpine
  base_image_path: /base/alpine.qcow2
  default_memory_mb: 1024
custom:
  base_image_path: /installers
`)
	table, err := Parse(data)
	require.NoError(t, err)

	p, err := table.Get("alpine")
	require.NoError(t, err)
	require.False(t, p.InstallerOnly())
	require.Equal(t, "/ov/alpine", p.OverlayDir)

	p, err = table.Get(Custom)
	require.NoError(t, err)
	require.True(t, p.InstallerOnly())

	_, err = table.Get("windows")
	require.ErrorIs(t, err, ErrUnknownProfile)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	data := []byte(`
alpine:
  overlay_dir: /ov/alpine
  overlay_prefix: alpine
  base_image_path: /base/alpine.qcow2
  default_memory_mb: 1024
  nested_virt: true
`)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsCustomWithOverlay(t *testing.T) {
	data := []byte(`
custom:
  overlay_dir: /ov/custom
  overlay_prefix: custom
  base_image_path: /installers
`)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsHalfOverlay(t *testing.T) {
	data := []byte(`
tiny:
  overlay_dir: /ov/tiny
  base_image_path: /base/tiny.qcow2
  default_memory_mb: 512
`)
	_, err := Parse(data)
	require.Error(t, err)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().validate())
}
