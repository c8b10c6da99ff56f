// Package lifecycle owns the creation and destruction of instances. Launch
// is idempotent per user, reclaim is idempotent per instance, and every
// failure after a hypervisor spawn rolls the instance back so no half-built
// state survives.
package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmparlor/parlor/lib/bridge"
	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/metrics"
	"github.com/vmparlor/parlor/lib/ports"
	"github.com/vmparlor/parlor/lib/procs"
	"github.com/vmparlor/parlor/lib/profiles"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/supervisor"
)

const bridgeStartAttempts = 3

// Config wires the coordinator's collaborators.
type Config struct {
	Profiles   profiles.Table
	Images     ImageManager
	Hypervisor Hypervisor
	Registry   Registry
	Procs      *procs.Registry
	Paths      *ports.RunPaths
	Metrics    *metrics.Metrics
	// StartBridge defaults to the real WebSocket bridge.
	StartBridge BridgeStarter
	// PublicHost is the host clients reach the console through.
	PublicHost string
	// ScratchDiskGB sizes the blank disk attached to installer boots; zero
	// disables it.
	ScratchDiskGB int
}

// Coordinator serializes launch and reclaim per user and per instance.
type Coordinator struct {
	cfg    Config
	events chan bridge.Event

	userLocks     keyedMutex
	instanceLocks keyedMutex
}

// New creates a coordinator. The events channel is buffered so bridges never
// block on a busy event loop.
func New(cfg Config) *Coordinator {
	c := &Coordinator{cfg: cfg, events: make(chan bridge.Event, 64)}
	if c.cfg.StartBridge == nil {
		c.cfg.StartBridge = func(ctx context.Context, bc bridge.Config) (BridgeHandle, error) {
			return bridge.Start(ctx, bc)
		}
	}
	return c
}

// newInstanceID returns 12 cryptographically random hex characters.
func newInstanceID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Launch boots an instance for the user, or returns their already running
// one.
func (c *Coordinator) Launch(ctx context.Context, userID string, req LaunchRequest) (*InstanceView, error) {
	log := logger.FromContext(ctx)

	unlockUser := c.userLocks.lock(userID)
	defer unlockUser()

	if existing, err := c.cfg.Registry.GetRunningByUser(ctx, userID); err == nil {
		log.InfoContext(ctx, "user already has a running instance",
			"user_id", userID, "instance_id", existing.InstanceID)
		return c.view(existing), nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}

	id, err := newInstanceID()
	if err != nil {
		return nil, err
	}
	unlockInstance := c.instanceLocks.lock(id)
	defer unlockInstance()

	view, err := c.launchNew(ctx, userID, id, req)
	if err != nil {
		c.cfg.Metrics.Launches.WithLabelValues(string(req.Kind), "error").Inc()
		return nil, err
	}
	c.cfg.Metrics.Launches.WithLabelValues(string(req.Kind), "ok").Inc()
	return view, nil
}

func (c *Coordinator) launchNew(ctx context.Context, userID, id string, req LaunchRequest) (*InstanceView, error) {
	log := logger.FromContext(ctx)

	meta, err := c.boot(ctx, userID, id, req)
	if err != nil {
		// Nothing spawned yet, but image artifacts may exist.
		c.rollback(ctx, userID, id, req.OSProfile, "")
		return nil, err
	}
	c.cfg.Procs.Track(procs.ScopeHypervisor, id, procs.PidHandle(meta.PID))

	handle, port, err := c.startBridge(ctx, id, meta.DisplaySocket)
	if err != nil {
		c.rollback(ctx, userID, id, req.OSProfile, meta.ImagePath)
		return nil, err
	}
	c.cfg.Procs.Track(procs.ScopeBridge, id, handle)

	rec := &registry.Record{
		InstanceID:    id,
		UserID:        userID,
		OSProfile:     req.OSProfile,
		ImagePath:     meta.ImagePath,
		DisplaySocket: meta.DisplaySocket,
		ControlSocket: meta.ControlSocket,
		PidfilePath:   meta.PidfilePath,
		PID:           meta.PID,
		BridgePort:    port,
		CreatedAt:     meta.StartedAt,
	}
	// The registry write is the last step: a failure before it leaves no
	// entry to leak.
	if err := c.cfg.Registry.Put(ctx, rec); err != nil {
		c.rollback(ctx, userID, id, req.OSProfile, meta.ImagePath)
		return nil, err
	}

	log.InfoContext(ctx, "instance launched",
		"user_id", userID, "instance_id", id, "kind", string(req.Kind),
		"os_profile", req.OSProfile, "pid", meta.PID, "bridge_port", port)
	return c.view(rec), nil
}

func (c *Coordinator) boot(ctx context.Context, userID, id string, req LaunchRequest) (*supervisor.InstanceMeta, error) {
	profile, err := c.cfg.Profiles.Get(req.OSProfile)
	if err != nil {
		return nil, err
	}

	switch req.Kind {
	case KindProfile:
		overlay, err := c.cfg.Images.EnsureOverlay(ctx, req.OSProfile, id)
		if err != nil {
			return nil, err
		}
		return c.cfg.Hypervisor.BootOverlay(ctx, supervisor.OverlayBootRequest{
			UserID:      userID,
			InstanceID:  id,
			OSProfile:   req.OSProfile,
			OverlayPath: overlay,
			MemoryMB:    profile.DefaultMemoryMB,
		})

	case KindInstaller:
		installer, err := c.cfg.Images.ResolveInstaller(userID)
		if err != nil {
			return nil, err
		}
		if err := c.cfg.Images.ValidateInstaller(installer); err != nil {
			return nil, err
		}
		var scratch string
		if c.cfg.ScratchDiskGB > 0 {
			if scratch, err = c.cfg.Images.EnsureScratchDisk(ctx, req.OSProfile, id, c.cfg.ScratchDiskGB); err != nil {
				return nil, err
			}
		}
		return c.cfg.Hypervisor.BootInstaller(ctx, supervisor.InstallerBootRequest{
			UserID:          userID,
			InstanceID:      id,
			OSProfile:       req.OSProfile,
			InstallerPath:   installer,
			MemoryMB:        profile.DefaultMemoryMB,
			CPUs:            profile.DefaultCPUs,
			ScratchDiskPath: scratch,
		})

	case KindSnapshot:
		snapshot, err := c.cfg.Images.ResolveSnapshot(userID, req.SnapshotName)
		if err != nil {
			return nil, err
		}
		return c.cfg.Hypervisor.BootSnapshot(ctx, supervisor.SnapshotBootRequest{
			UserID:       userID,
			InstanceID:   id,
			OSProfile:    req.OSProfile,
			SnapshotPath: snapshot,
			MemoryMB:     profile.DefaultMemoryMB,
		})

	default:
		return nil, fmt.Errorf("unknown launch kind %q", req.Kind)
	}
}

// startBridge reserves a port and starts the display bridge, re-reserving on
// a lost bind race.
func (c *Coordinator) startBridge(ctx context.Context, id, displaySocket string) (BridgeHandle, int, error) {
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 0; attempt < bridgeStartAttempts; attempt++ {
		port, err := ports.ReserveTCPPort()
		if err != nil {
			return nil, 0, err
		}
		handle, err := c.cfg.StartBridge(ctx, bridge.Config{
			InstanceID:      id,
			Port:            port,
			UpstreamNetwork: "unix",
			UpstreamAddr:    displaySocket,
			Events:          c.events,
		})
		if err == nil {
			return handle, handle.Port(), nil
		}
		lastErr = err
		log.WarnContext(ctx, "bridge bind lost race, retrying",
			"instance_id", id, "port", port, "error", err)
	}
	return nil, 0, fmt.Errorf("start bridge for %s: %w", id, lastErr)
}

// Reclaim tears an instance down completely: processes, ephemeral files,
// runtime sockets, registry entry. A missing record makes it a logged no-op.
func (c *Coordinator) Reclaim(ctx context.Context, instanceID, trigger string) error {
	unlock := c.instanceLocks.lock(instanceID)
	defer unlock()

	log := logger.FromContext(ctx)

	rec, err := c.cfg.Registry.Get(ctx, instanceID)
	if errors.Is(err, registry.ErrNotFound) {
		log.InfoContext(ctx, "reclaim of unknown instance, nothing to do",
			"instance_id", instanceID, "trigger", trigger)
		return nil
	}
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "reclaiming instance",
		"instance_id", instanceID, "user_id", rec.UserID, "trigger", trigger)

	c.cfg.Procs.Stop(ctx, procs.ScopeBridge, instanceID)
	c.cfg.Procs.Stop(ctx, procs.ScopeHypervisor, instanceID)
	// The hypervisor may predate this worker; fall back to the recorded pid.
	if h := procs.PidHandle(rec.PID); h.Alive() {
		if err := h.Terminate(); err != nil {
			log.WarnContext(ctx, "terminate by recorded pid failed",
				"instance_id", instanceID, "pid", rec.PID, "error", err)
		}
	}

	c.removeEphemeralFiles(ctx, rec)
	c.cfg.Hypervisor.CleanStale(ctx, instanceID)

	if err := c.cfg.Registry.Delete(ctx, instanceID); err != nil {
		return err
	}
	c.cfg.Metrics.Reclaims.WithLabelValues(trigger).Inc()
	return nil
}

// removeEphemeralFiles deletes boot artifacts that belong to this instance
// alone. Snapshot files are durable user data and are never touched here.
func (c *Coordinator) removeEphemeralFiles(ctx context.Context, rec *registry.Record) {
	log := logger.FromContext(ctx)

	candidates := []string{}
	if rec.ImagePath != "" && !c.inSnapshotsDir(rec.ImagePath) {
		candidates = append(candidates, rec.ImagePath)
	}
	if rec.OSProfile != "" {
		candidates = append(candidates, c.cfg.Images.ScratchDiskPath(rec.OSProfile, rec.InstanceID))
	}

	for _, path := range candidates {
		err := os.Remove(path)
		switch {
		case err == nil:
			log.InfoContext(ctx, "removed ephemeral image", "path", path)
		case !os.IsNotExist(err):
			// Cleanup continues; a stuck file must not block the reclaim.
			log.WarnContext(ctx, "failed to remove ephemeral image", "path", path, "error", err)
		}
	}
}

func (c *Coordinator) inSnapshotsDir(path string) bool {
	dir := c.cfg.Images.SnapshotsDir()
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// rollback is the launch-failure path: no registry entry exists yet, so the
// teardown works from what the launch created so far.
func (c *Coordinator) rollback(ctx context.Context, userID, id, osProfile, imagePath string) {
	log := logger.FromContext(ctx)
	log.WarnContext(ctx, "rolling back failed launch",
		"user_id", userID, "instance_id", id, "os_profile", osProfile)

	c.cfg.Procs.Stop(ctx, procs.ScopeBridge, id)
	c.cfg.Procs.Stop(ctx, procs.ScopeHypervisor, id)

	if imagePath == "" {
		if overlay, err := c.cfg.Images.OverlayPath(osProfile, id); err == nil {
			imagePath = overlay
		}
	}
	rec := &registry.Record{InstanceID: id, UserID: userID, OSProfile: osProfile, ImagePath: imagePath}
	c.removeEphemeralFiles(ctx, rec)
	c.cfg.Hypervisor.CleanStale(ctx, id)
}

// Running returns the user's live instance, or registry.ErrNotFound.
func (c *Coordinator) Running(ctx context.Context, userID string) (*InstanceView, error) {
	rec, err := c.cfg.Registry.GetRunningByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.view(rec), nil
}

// ReclaimUser reclaims every instance registered to a user. Logout must
// never fail the caller, so errors are logged and swallowed.
func (c *Coordinator) ReclaimUser(ctx context.Context, userID, trigger string) {
	log := logger.FromContext(ctx)

	records, err := c.cfg.Registry.Items(ctx)
	if err != nil {
		log.ErrorContext(ctx, "user reclaim enumeration failed",
			"user_id", userID, "error", err)
		return
	}
	for _, rec := range records {
		if rec.UserID != userID {
			continue
		}
		if err := c.Reclaim(ctx, rec.InstanceID, trigger); err != nil {
			log.ErrorContext(ctx, "user reclaim failed",
				"user_id", userID, "instance_id", rec.InstanceID, "error", err)
		}
	}
}

// ActiveViews lists every registered instance as a client-facing view.
func (c *Coordinator) ActiveViews(ctx context.Context) ([]*InstanceView, error) {
	records, err := c.cfg.Registry.Items(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*InstanceView, 0, len(records))
	for _, rec := range records {
		views = append(views, c.view(rec))
	}
	return views, nil
}

// ShutdownAll reclaims every registered instance. Used at process exit.
func (c *Coordinator) ShutdownAll(ctx context.Context) {
	log := logger.FromContext(ctx)

	records, err := c.cfg.Registry.Items(ctx)
	if err != nil {
		log.ErrorContext(ctx, "shutdown enumeration failed", "error", err)
		c.cfg.Procs.StopAll(ctx)
		return
	}
	for _, rec := range records {
		if err := c.Reclaim(ctx, rec.InstanceID, "shutdown"); err != nil {
			log.ErrorContext(ctx, "shutdown reclaim failed",
				"instance_id", rec.InstanceID, "error", err)
		}
	}
	c.cfg.Procs.StopAll(ctx)
}

// Run consumes bridge events until the context is cancelled. Attaches stamp
// liveness; detaches and bridge exits trigger reclaim.
func (c *Coordinator) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			// Attach and detach both witness the peer, so both stamp
			// liveness; a detach stamps before the record goes away.
			if ev.Kind == bridge.Attached || ev.Kind == bridge.Detached {
				if err := c.cfg.Registry.Touch(ctx, ev.InstanceID, ev.At.Format(time.RFC3339)); err != nil && !errors.Is(err, registry.ErrNotFound) {
					log.WarnContext(ctx, "liveness stamp failed",
						"instance_id", ev.InstanceID, "error", err)
				}
			}
			switch ev.Kind {
			case bridge.Attached:
				c.cfg.Metrics.BridgeAttaches.Inc()
			case bridge.Detached, bridge.Exited:
				if err := c.Reclaim(ctx, ev.InstanceID, string(ev.Kind)); err != nil {
					log.ErrorContext(ctx, "event-driven reclaim failed",
						"instance_id", ev.InstanceID, "error", err)
				}
			}
		}
	}
}

// SweepStale reclaims registry entries whose hypervisor died while the
// service was down, and re-adopts the ones still alive. Run once at boot.
func (c *Coordinator) SweepStale(ctx context.Context) error {
	log := logger.FromContext(ctx)

	records, err := c.cfg.Registry.Items(ctx)
	if err != nil {
		return err
	}
	live := 0
	for _, rec := range records {
		if procs.PidHandle(rec.PID).Alive() {
			c.cfg.Procs.Track(procs.ScopeHypervisor, rec.InstanceID, procs.PidHandle(rec.PID))
			live++
			continue
		}
		log.InfoContext(ctx, "sweeping dead instance",
			"instance_id", rec.InstanceID, "user_id", rec.UserID, "pid", rec.PID)
		if err := c.Reclaim(ctx, rec.InstanceID, "sweep"); err != nil {
			log.ErrorContext(ctx, "sweep reclaim failed",
				"instance_id", rec.InstanceID, "error", err)
		}
	}
	c.cfg.Metrics.ActiveInstances.Set(float64(live))
	return nil
}

func (c *Coordinator) view(rec *registry.Record) *InstanceView {
	return &InstanceView{
		InstanceID:    rec.InstanceID,
		UserID:        rec.UserID,
		OSProfile:     rec.OSProfile,
		DisplaySocket: rec.DisplaySocket,
		ControlSocket: rec.ControlSocket,
		BridgePort:    rec.BridgePort,
		PID:           rec.PID,
		StartedAt:     rec.CreatedAt,
		RedirectURL:   redirectURL(c.cfg.PublicHost, rec.BridgePort),
	}
}

// keyedMutex serializes work per string key.
type keyedMutex struct {
	m sync.Map
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.m.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
