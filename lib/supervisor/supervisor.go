// Package supervisor launches and supervises headless hypervisor processes.
// Every boot mode runs QEMU daemonized with a VNC display socket, a QMP
// control socket and a pidfile, all namespaced by instance id under the run
// directory.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/ports"
)

// DefaultPidfileTimeout bounds the wait for the daemonized hypervisor to
// write its pidfile.
const DefaultPidfileTimeout = 10 * time.Second

// InstanceMeta describes a freshly booted hypervisor process.
type InstanceMeta struct {
	UserID        string `json:"user_id"`
	InstanceID    string `json:"instance_id"`
	OSProfile     string `json:"os_profile"`
	ImagePath     string `json:"image_path"`
	DisplaySocket string `json:"display_socket_path"`
	ControlSocket string `json:"control_socket_path"`
	PidfilePath   string `json:"pidfile_path"`
	PID           int    `json:"pid"`
	StartedAt     string `json:"started_at"`
}

// OverlayBootRequest boots a copy-on-write overlay disk.
type OverlayBootRequest struct {
	UserID      string
	InstanceID  string
	OSProfile   string
	OverlayPath string
	MemoryMB    int
}

// InstallerBootRequest boots a read-only installer image, optionally with a
// blank scratch disk and/or an explicit install-target disk attached.
type InstallerBootRequest struct {
	UserID            string
	InstanceID        string
	OSProfile         string
	InstallerPath     string
	MemoryMB          int
	CPUs              int
	ScratchDiskPath   string
	InstallTargetPath string
}

// SnapshotBootRequest boots directly from a saved snapshot file.
type SnapshotBootRequest struct {
	UserID       string
	InstanceID   string
	OSProfile    string
	SnapshotPath string
	MemoryMB     int
}

// Supervisor spawns hypervisor children and waits for them to come up.
type Supervisor struct {
	paths          *ports.RunPaths
	binary         string
	pidfileTimeout time.Duration
}

// New creates a supervisor using the given run paths. The binary defaults to
// qemu-system-x86_64 on PATH.
func New(paths *ports.RunPaths) *Supervisor {
	return &Supervisor{
		paths:          paths,
		binary:         "qemu-system-x86_64",
		pidfileTimeout: DefaultPidfileTimeout,
	}
}

// SetBinary overrides the hypervisor binary. Used by tests and exotic hosts.
func (s *Supervisor) SetBinary(path string) { s.binary = path }

// SetPidfileTimeout overrides the pidfile wait deadline.
func (s *Supervisor) SetPidfileTimeout(d time.Duration) { s.pidfileTimeout = d }

// BootOverlay launches an instance from its qcow2 overlay.
func (s *Supervisor) BootOverlay(ctx context.Context, req OverlayBootRequest) (*InstanceMeta, error) {
	if _, err := os.Stat(req.OverlayPath); err != nil {
		return nil, fmt.Errorf("%w: overlay %s", ErrImageMissing, req.OverlayPath)
	}

	args := []string{
		"-m", strconv.Itoa(req.MemoryMB),
		"-drive", driveArg(req.OverlayPath),
		"-nic", "user,model=virtio-net-pci",
	}
	args = append(args, s.commonArgs(req.InstanceID)...)

	return s.spawn(ctx, req.UserID, req.InstanceID, req.OSProfile, req.OverlayPath, args)
}

// BootInstaller launches an instance that boots from an installer image. BIOS
// firmware and TCG acceleration keep this path portable across hosts.
func (s *Supervisor) BootInstaller(ctx context.Context, req InstallerBootRequest) (*InstanceMeta, error) {
	if _, err := os.Stat(req.InstallerPath); err != nil {
		return nil, fmt.Errorf("%w: installer %s", ErrImageMissing, req.InstallerPath)
	}

	cpus := req.CPUs
	if cpus <= 0 {
		cpus = 2
	}
	args := []string{
		"-machine", "pc,accel=tcg",
		"-smp", strconv.Itoa(cpus),
		"-m", strconv.Itoa(req.MemoryMB),
		"-cdrom", req.InstallerPath,
		"-boot", "d",
		"-nic", "user,model=virtio-net-pci",
		"-vga", "std",
	}
	if req.ScratchDiskPath != "" {
		args = append(args, "-drive", driveArg(req.ScratchDiskPath))
	}
	if req.InstallTargetPath != "" {
		if _, err := os.Stat(req.InstallTargetPath); err != nil {
			return nil, fmt.Errorf("%w: install target %s", ErrImageMissing, req.InstallTargetPath)
		}
		args = append(args, "-drive", driveArg(req.InstallTargetPath))
	}
	args = append(args, s.commonArgs(req.InstanceID)...)

	return s.spawn(ctx, req.UserID, req.InstanceID, req.OSProfile, req.InstallerPath, args)
}

// BootSnapshot launches an instance from a saved snapshot file. Identical to
// an overlay boot except for the backing drive.
func (s *Supervisor) BootSnapshot(ctx context.Context, req SnapshotBootRequest) (*InstanceMeta, error) {
	if _, err := os.Stat(req.SnapshotPath); err != nil {
		return nil, fmt.Errorf("%w: snapshot %s", ErrImageMissing, req.SnapshotPath)
	}

	args := []string{
		"-m", strconv.Itoa(req.MemoryMB),
		"-drive", driveArg(req.SnapshotPath),
		"-nic", "user,model=virtio-net-pci",
	}
	args = append(args, s.commonArgs(req.InstanceID)...)

	return s.spawn(ctx, req.UserID, req.InstanceID, req.OSProfile, req.SnapshotPath, args)
}

// CleanStale unlinks per-instance sockets and pidfile left behind by a
// previous run. Unconditional unlink-before-spawn is a contract, not a
// heuristic; a crashed prior run must never block a new boot.
func (s *Supervisor) CleanStale(ctx context.Context, instanceID string) {
	log := logger.FromContext(ctx)
	for _, path := range []string{
		s.paths.DisplaySocket(instanceID),
		s.paths.ControlSocket(instanceID),
		s.paths.Pidfile(instanceID),
	} {
		if err := os.Remove(path); err == nil {
			log.WarnContext(ctx, "removed stale runtime file", "path", path)
		} else if !os.IsNotExist(err) {
			log.WarnContext(ctx, "failed to remove stale runtime file", "path", path, "error", err)
		}
	}
}

func driveArg(path string) string {
	return fmt.Sprintf("file=%s,format=qcow2,if=virtio,cache=writeback,discard=unmap", path)
}

func (s *Supervisor) commonArgs(instanceID string) []string {
	return []string{
		"-vnc", "unix:" + s.paths.DisplaySocket(instanceID),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", s.paths.ControlSocket(instanceID)),
		"-display", "none",
		"-daemonize",
		"-pidfile", s.paths.Pidfile(instanceID),
	}
}

func (s *Supervisor) spawn(ctx context.Context, userID, instanceID, osProfile, imagePath string, args []string) (*InstanceMeta, error) {
	log := logger.FromContext(ctx)

	s.CleanStale(ctx, instanceID)

	log.InfoContext(ctx, "launching hypervisor",
		"user_id", userID, "instance_id", instanceID, "os_profile", osProfile, "image", imagePath)

	cmd := exec.CommandContext(ctx, s.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	// -daemonize makes the foreground process exit once the guest is up,
	// so Run returning is the launch handshake.
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrLaunchFailed, err, stderr.String())
	}

	pid, err := waitForPidfile(ctx, s.paths.Pidfile(instanceID), s.pidfileTimeout)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "hypervisor started", "instance_id", instanceID, "pid", pid)

	return &InstanceMeta{
		UserID:        userID,
		InstanceID:    instanceID,
		OSProfile:     osProfile,
		ImagePath:     imagePath,
		DisplaySocket: s.paths.DisplaySocket(instanceID),
		ControlSocket: s.paths.ControlSocket(instanceID),
		PidfilePath:   s.paths.Pidfile(instanceID),
		PID:           pid,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	}, nil
}
