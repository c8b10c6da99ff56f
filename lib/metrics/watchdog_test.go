package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCPUStat(t *testing.T) {
	data := []byte(`cpu  100 0 50 800 40 0 10 0 0 0
cpu0 50 0 25 400 20 0 5 0 0 0
intr 12345
`)
	busy, total, err := parseCPUStat(data)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), total)
	// Everything but idle (800) and iowait (40).
	require.Equal(t, uint64(160), busy)
}

func TestParseCPUStatGarbage(t *testing.T) {
	_, _, err := parseCPUStat([]byte("intr 1 2 3\n"))
	require.Error(t, err)

	_, _, err = parseCPUStat([]byte("cpu one two three four five\n"))
	require.Error(t, err)
}

func TestParseMemInfo(t *testing.T) {
	data := []byte(`MemTotal:       16000000 kB
MemFree:         2000000 kB
MemAvailable:    4000000 kB
Buffers:          500000 kB
`)
	pct, err := parseMemInfo(data)
	require.NoError(t, err)
	require.InDelta(t, 75.0, pct, 0.001)

	_, err = parseMemInfo([]byte("MemFree: 10 kB\n"))
	require.Error(t, err)
}

func TestObserveSustainWindow(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{Leader: true, SustainWindow: time.Minute}, New())
	base := time.Now()

	// First breach arms the timer, does not alert.
	require.False(t, w.observe(base, "cpu", true))
	// Still inside the window.
	require.False(t, w.observe(base.Add(30*time.Second), "cpu", true))
	// Window elapsed.
	require.True(t, w.observe(base.Add(time.Minute), "cpu", true))

	// Recovery resets the timer.
	require.False(t, w.observe(base.Add(2*time.Minute), "cpu", false))
	require.False(t, w.observe(base.Add(3*time.Minute), "cpu", true))
	require.True(t, w.observe(base.Add(4*time.Minute), "cpu", true))
}

func TestObserveIndependentKeys(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{Leader: true, SustainWindow: time.Minute}, New())
	base := time.Now()

	require.False(t, w.observe(base, "cpu", true))
	require.False(t, w.observe(base.Add(time.Minute), "mem", true))
	require.True(t, w.observe(base.Add(time.Minute), "cpu", true))
}

func TestNonLeaderDoesNotSample(t *testing.T) {
	w := NewWatchdog(WatchdogConfig{Leader: false}, New())
	require.NoError(t, w.Run(t.Context()))
}

func TestFreeBytes(t *testing.T) {
	free, err := freeBytes(t.TempDir())
	require.NoError(t, err)
	require.Greater(t, free, uint64(0))

	_, err = freeBytes("/definitely/not/a/mount")
	require.Error(t, err)
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.Launches.WithLabelValues("profile", "ok").Inc()
	m.Reclaims.WithLabelValues("logout").Inc()
	m.SnapshotOps.WithLabelValues("create", "ok").Inc()
	m.BridgeAttaches.Inc()
	m.ActiveInstances.Set(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), "parlor_launches_total")
	require.Contains(t, string(body), "parlor_active_instances 3")
	require.Contains(t, string(body), `parlor_reclaims_total{trigger="logout"} 1`)
}
