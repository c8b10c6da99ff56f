// Package procs tracks the stoppable things the service owns: hypervisor
// children and in-process display bridges. Entries are keyed by scope and
// instance id so a reclaim can address either half of an instance.
package procs

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vmparlor/parlor/lib/logger"
)

// Scopes namespace registry keys.
const (
	ScopeHypervisor = "hv"
	ScopeBridge     = "ws"
)

// DefaultStopGrace is how long a polite stop may take before escalation.
const DefaultStopGrace = 5 * time.Second

const aliveCheckInterval = 100 * time.Millisecond

// Handle is anything the registry can stop. Terminate requests a polite stop,
// Kill is the escalation, Alive reports whether the work is still running.
type Handle interface {
	Terminate() error
	Kill() error
	Alive() bool
}

// PidHandle adapts a raw pid, including processes adopted from a previous
// service run where we never held the os.Process.
type PidHandle int

func (p PidHandle) Terminate() error { return syscall.Kill(int(p), syscall.SIGTERM) }
func (p PidHandle) Kill() error      { return syscall.Kill(int(p), syscall.SIGKILL) }

func (p PidHandle) Alive() bool {
	if p <= 0 {
		return false
	}
	err := syscall.Kill(int(p), 0)
	return err == nil || err == syscall.EPERM
}

// Registry is a concurrency-safe table of live handles.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Handle
	grace   time.Duration
}

// NewRegistry creates a registry with the given stop grace period.
func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Registry{entries: make(map[string]Handle), grace: grace}
}

func key(scope, id string) string { return fmt.Sprintf("%s:%s", scope, id) }

// Track registers a handle, replacing any previous one under the same key.
func (r *Registry) Track(scope, id string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(scope, id)] = h
}

// Get returns the tracked handle, if any.
func (r *Registry) Get(scope, id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[key(scope, id)]
	return h, ok
}

// Len reports the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop removes and stops the handle under the given key. A missing entry is a
// no-op, which makes repeated reclaims safe.
func (r *Registry) Stop(ctx context.Context, scope, id string) {
	r.mu.Lock()
	h, ok := r.entries[key(scope, id)]
	delete(r.entries, key(scope, id))
	r.mu.Unlock()
	if !ok {
		return
	}
	r.stop(ctx, scope, id, h)
}

func (r *Registry) stop(ctx context.Context, scope, id string, h Handle) {
	log := logger.FromContext(ctx)

	if !h.Alive() {
		return
	}
	if err := h.Terminate(); err != nil {
		log.WarnContext(ctx, "terminate failed, escalating",
			"scope", scope, "instance_id", id, "error", err)
	}

	deadline := time.Now().Add(r.grace)
	for time.Now().Before(deadline) {
		if !h.Alive() {
			return
		}
		time.Sleep(aliveCheckInterval)
	}

	log.WarnContext(ctx, "stop grace expired, killing", "scope", scope, "instance_id", id)
	if err := h.Kill(); err != nil {
		log.ErrorContext(ctx, "kill failed", "scope", scope, "instance_id", id, "error", err)
	}
}

// StopAll stops every tracked handle concurrently. Used on shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]Handle)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for k, h := range entries {
		g.Go(func() error {
			scope, id, _ := splitKey(k)
			r.stop(ctx, scope, id, h)
			return nil
		})
	}
	g.Wait()
}

func splitKey(k string) (scope, id string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			return k[:i], k[i+1:], true
		}
	}
	return "", k, false
}
