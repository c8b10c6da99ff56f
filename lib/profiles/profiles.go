// Package profiles holds the static OS profile table: the base images,
// overlay locations and boot defaults each named guest OS ships with.
package profiles

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Custom is the reserved profile tag for user-uploaded installer images.
// It carries no overlay fields and is strictly installer-only.
const Custom = "custom"

// Profile describes one bootable OS flavour.
type Profile struct {
	// OverlayDir and OverlayPrefix locate per-instance qcow2 overlays.
	// Empty for installer-only profiles.
	OverlayDir    string `yaml:"overlay_dir"`
	OverlayPrefix string `yaml:"overlay_prefix"`

	// BaseImagePath is the golden qcow2 backing file, or for the custom
	// profile a {uid} template, a fixed .iso path, or a directory that
	// holds per-user installer images.
	BaseImagePath string `yaml:"base_image_path"`

	DefaultMemoryMB int `yaml:"default_memory_mb"`
	DefaultCPUs     int `yaml:"default_cpus,omitempty"`
}

// InstallerOnly reports whether the profile lacks overlay fields and can only
// boot from an installer image.
func (p Profile) InstallerOnly() bool {
	return p.OverlayDir == "" || p.OverlayPrefix == ""
}

// Table maps profile tags to profiles.
type Table map[string]Profile

// Defaults returns the built-in profile table. A deployment normally replaces
// it with a YAML file via Load.
func Defaults() Table {
	return Table{
		"alpine": {
			OverlayDir:      "/var/lib/parlor/overlays/alpine",
			OverlayPrefix:   "alpine",
			BaseImagePath:   "/var/lib/parlor/base/alpine-base.qcow2",
			DefaultMemoryMB: 1024,
		},
		"tiny": {
			OverlayDir:      "/var/lib/parlor/overlays/tiny",
			OverlayPrefix:   "tiny",
			BaseImagePath:   "/var/lib/parlor/base/tinycore-base.qcow2",
			DefaultMemoryMB: 1024,
		},
		"ubuntu": {
			OverlayDir:      "/var/lib/parlor/overlays/ubuntu",
			OverlayPrefix:   "ubuntu",
			BaseImagePath:   "/var/lib/parlor/base/ubuntu-base.qcow2",
			DefaultMemoryMB: 2048,
			DefaultCPUs:     2,
		},
		Custom: {
			BaseImagePath: "/var/lib/parlor/installers",
		},
	}
}

// Load reads a profile table from a YAML file. Unknown keys are rejected.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML profile table and validates it.
func Parse(data []byte) (Table, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var t Table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Get looks up a profile by tag.
func (t Table) Get(tag string) (Profile, error) {
	p, ok := t[tag]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, tag)
	}
	return p, nil
}

func (t Table) validate() error {
	for tag, p := range t {
		if p.BaseImagePath == "" {
			return fmt.Errorf("profile %s: base_image_path is required", tag)
		}
		if tag == Custom {
			if !p.InstallerOnly() {
				return fmt.Errorf("profile %s is reserved for installer images and cannot carry overlay fields", Custom)
			}
			continue
		}
		if (p.OverlayDir == "") != (p.OverlayPrefix == "") {
			return fmt.Errorf("profile %s: overlay_dir and overlay_prefix must be set together", tag)
		}
		if p.DefaultMemoryMB <= 0 {
			return fmt.Errorf("profile %s: default_memory_mb must be positive", tag)
		}
	}
	return nil
}
