package lifecycle

import (
	"context"
	"fmt"

	"github.com/vmparlor/parlor/lib/bridge"
	"github.com/vmparlor/parlor/lib/procs"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/supervisor"
)

// LaunchKind selects the boot path.
type LaunchKind string

const (
	// KindProfile boots a copy-on-write overlay of a profile's base image.
	KindProfile LaunchKind = "profile"
	// KindInstaller boots the user's uploaded installer image.
	KindInstaller LaunchKind = "installer"
	// KindSnapshot boots a previously saved snapshot file.
	KindSnapshot LaunchKind = "snapshot"
)

// LaunchRequest describes what to boot for a user.
type LaunchRequest struct {
	Kind         LaunchKind
	OSProfile    string
	SnapshotName string
}

// InstanceView is the client-facing description of a running instance.
type InstanceView struct {
	InstanceID    string `json:"instance_id"`
	UserID        string `json:"user_id"`
	OSProfile     string `json:"os_profile"`
	DisplaySocket string `json:"display_socket_path"`
	ControlSocket string `json:"control_socket_path"`
	BridgePort    int    `json:"bridge_port"`
	PID           int    `json:"pid"`
	StartedAt     string `json:"started_at"`
	RedirectURL   string `json:"redirect_url"`
}

// redirectURL composes the console URL the client is sent to after launch.
func redirectURL(publicHost string, port int) string {
	return fmt.Sprintf("http://%s/novnc/vnc.html?host=%s&port=%d", publicHost, publicHost, port)
}

// ImageManager is the slice of the image layer the coordinator drives.
type ImageManager interface {
	OverlayPath(tag, instanceID string) (string, error)
	EnsureOverlay(ctx context.Context, tag, instanceID string) (string, error)
	EnsureScratchDisk(ctx context.Context, tag, instanceID string, sizeGB int) (string, error)
	ScratchDiskPath(tag, instanceID string) string
	ResolveInstaller(userID string) (string, error)
	ValidateInstaller(path string) error
	ResolveSnapshot(userID, name string) (string, error)
	SnapshotsDir() string
}

// Hypervisor is the slice of the supervisor the coordinator drives.
type Hypervisor interface {
	BootOverlay(ctx context.Context, req supervisor.OverlayBootRequest) (*supervisor.InstanceMeta, error)
	BootInstaller(ctx context.Context, req supervisor.InstallerBootRequest) (*supervisor.InstanceMeta, error)
	BootSnapshot(ctx context.Context, req supervisor.SnapshotBootRequest) (*supervisor.InstanceMeta, error)
	CleanStale(ctx context.Context, instanceID string)
}

// Registry is the slice of the session registry the coordinator drives.
type Registry interface {
	Get(ctx context.Context, id string) (*registry.Record, error)
	Put(ctx context.Context, r *registry.Record) error
	Delete(ctx context.Context, id string) error
	GetRunningByUser(ctx context.Context, userID string) (*registry.Record, error)
	Items(ctx context.Context) ([]*registry.Record, error)
	Touch(ctx context.Context, id, lastSeenAt string) error
}

// BridgeHandle is a running bridge the coordinator can stop and inspect.
type BridgeHandle interface {
	procs.Handle
	Port() int
}

// BridgeStarter starts a display bridge; swapped out in tests.
type BridgeStarter func(ctx context.Context, cfg bridge.Config) (BridgeHandle, error)
