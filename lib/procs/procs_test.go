package procs

import (
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHandle records stop calls. stubborn handles ignore Terminate so Stop
// has to escalate.
type fakeHandle struct {
	stubborn   bool
	alive      atomic.Bool
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeHandle(stubborn bool) *fakeHandle {
	h := &fakeHandle{stubborn: stubborn}
	h.alive.Store(true)
	return h
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	if !h.stubborn {
		h.alive.Store(false)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.alive.Store(false)
	return nil
}

func (h *fakeHandle) Alive() bool { return h.alive.Load() }

func TestStopPolite(t *testing.T) {
	r := NewRegistry(time.Second)
	h := newFakeHandle(false)
	r.Track(ScopeHypervisor, "deadbe", h)

	r.Stop(t.Context(), ScopeHypervisor, "deadbe")
	require.True(t, h.terminated.Load())
	require.False(t, h.killed.Load())
	require.Equal(t, 0, r.Len())
}

func TestStopEscalates(t *testing.T) {
	r := NewRegistry(300 * time.Millisecond)
	h := newFakeHandle(true)
	r.Track(ScopeBridge, "deadbe", h)

	r.Stop(t.Context(), ScopeBridge, "deadbe")
	require.True(t, h.terminated.Load())
	require.True(t, h.killed.Load())
}

func TestStopMissingIsNoop(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Stop(t.Context(), ScopeHypervisor, "nope")
	r.Stop(t.Context(), ScopeHypervisor, "nope")
}

func TestStopAlreadyDead(t *testing.T) {
	r := NewRegistry(time.Second)
	h := newFakeHandle(false)
	h.alive.Store(false)
	r.Track(ScopeHypervisor, "deadbe", h)

	r.Stop(t.Context(), ScopeHypervisor, "deadbe")
	require.False(t, h.terminated.Load())
	require.False(t, h.killed.Load())
}

func TestTrackReplaces(t *testing.T) {
	r := NewRegistry(time.Second)
	old := newFakeHandle(false)
	repl := newFakeHandle(false)
	r.Track(ScopeHypervisor, "deadbe", old)
	r.Track(ScopeHypervisor, "deadbe", repl)

	got, ok := r.Get(ScopeHypervisor, "deadbe")
	require.True(t, ok)
	require.Same(t, repl, got)
	require.Equal(t, 1, r.Len())
}

func TestScopesAreIndependent(t *testing.T) {
	r := NewRegistry(time.Second)
	hv := newFakeHandle(false)
	ws := newFakeHandle(false)
	r.Track(ScopeHypervisor, "deadbe", hv)
	r.Track(ScopeBridge, "deadbe", ws)

	r.Stop(t.Context(), ScopeBridge, "deadbe")
	require.True(t, ws.terminated.Load())
	require.False(t, hv.terminated.Load())
	require.Equal(t, 1, r.Len())
}

func TestStopAll(t *testing.T) {
	r := NewRegistry(time.Second)
	handles := []*fakeHandle{newFakeHandle(false), newFakeHandle(false), newFakeHandle(false)}
	r.Track(ScopeHypervisor, "a", handles[0])
	r.Track(ScopeHypervisor, "b", handles[1])
	r.Track(ScopeBridge, "a", handles[2])

	r.StopAll(t.Context())
	require.Equal(t, 0, r.Len())
	for _, h := range handles {
		require.True(t, h.terminated.Load())
	}
}

func TestPidHandle(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { cmd.Process.Kill(); cmd.Wait() })

	h := PidHandle(pid)
	require.True(t, h.Alive())
	require.NoError(t, h.Terminate())

	go cmd.Wait()
	require.Eventually(t, func() bool { return !h.Alive() }, 2*time.Second, 50*time.Millisecond)

	require.False(t, PidHandle(0).Alive())
	require.False(t, PidHandle(-5).Alive())
}
