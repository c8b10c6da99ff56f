// Package ports reserves loopback TCP ports for bridges and builds the
// per-instance runtime paths under the run directory.
package ports

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// ReserveTCPPort binds a loopback socket on port 0, reads the port the kernel
// picked and releases it. The reservation is inherently racy; callers must
// tolerate a failed bind and retry.
func ReserveTCPPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// RunPaths provides typed path construction for per-instance runtime files.
// All artifacts of one instance live directly under the run directory and are
// namespaced by instance id, so no two instances ever share a path.
type RunPaths struct {
	runDir string
}

// NewRunPaths creates a RunPaths rooted at runDir, creating the directory if
// it does not exist.
func NewRunPaths(runDir string) (*RunPaths, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir %s: %w", runDir, err)
	}
	return &RunPaths{runDir: runDir}, nil
}

// RunDir returns the root run directory.
func (p *RunPaths) RunDir() string {
	return p.runDir
}

// DisplaySocket returns the path of the instance's VNC unix socket.
func (p *RunPaths) DisplaySocket(id string) string {
	return filepath.Join(p.runDir, fmt.Sprintf("vnc-%s.sock", id))
}

// ControlSocket returns the path of the instance's QMP unix socket.
func (p *RunPaths) ControlSocket(id string) string {
	return filepath.Join(p.runDir, fmt.Sprintf("qmp-%s.sock", id))
}

// Pidfile returns the path of the instance's hypervisor pidfile.
func (p *RunPaths) Pidfile(id string) string {
	return filepath.Join(p.runDir, fmt.Sprintf("qemu-%s.pid", id))
}
