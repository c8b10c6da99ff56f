package metrics

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vmparlor/parlor/lib/logger"
)

// WatchdogConfig tunes the host sampler.
type WatchdogConfig struct {
	// Leader gates sampling: in a multi-worker deployment only one worker
	// samples host-wide figures.
	Leader bool

	Interval      time.Duration
	SustainWindow time.Duration

	CPUThresholdPct float64
	MemThresholdPct float64
	// DiskFreeThresholds maps a mount point to the minimum free bytes below
	// which the watchdog alerts.
	DiskFreeThresholds map[string]uint64
}

// Watchdog samples host CPU, memory and disk headroom on an interval and
// logs an alert when a threshold stays breached for the sustain window.
type Watchdog struct {
	cfg     WatchdogConfig
	metrics *Metrics

	prevBusy  uint64
	prevTotal uint64
	// breachSince tracks when each signal first crossed its threshold.
	breachSince map[string]time.Time
}

// NewWatchdog creates a watchdog publishing into the given metrics set.
func NewWatchdog(cfg WatchdogConfig, m *Metrics) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.SustainWindow <= 0 {
		cfg.SustainWindow = 2 * time.Minute
	}
	return &Watchdog{cfg: cfg, metrics: m, breachSince: make(map[string]time.Time)}
}

// Run samples until the context is cancelled. Non-leader workers return
// immediately.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.cfg.Leader {
		return nil
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "host watchdog started",
		"interval", w.cfg.Interval, "sustain_window", w.cfg.SustainWindow)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

func (w *Watchdog) sample(ctx context.Context) {
	log := logger.FromContext(ctx)
	now := time.Now()

	if cpu, ok := w.sampleCPU(); ok {
		w.metrics.HostCPUPercent.Set(cpu)
		if w.observe(now, "cpu", w.cfg.CPUThresholdPct > 0 && cpu >= w.cfg.CPUThresholdPct) {
			log.WarnContext(ctx, "sustained high cpu",
				"percent", cpu, "threshold", w.cfg.CPUThresholdPct)
		}
	}

	if mem, err := readMemPercent(); err == nil {
		w.metrics.HostMemPercent.Set(mem)
		if w.observe(now, "mem", w.cfg.MemThresholdPct > 0 && mem >= w.cfg.MemThresholdPct) {
			log.WarnContext(ctx, "sustained high memory",
				"percent", mem, "threshold", w.cfg.MemThresholdPct)
		}
	}

	for mount, minFree := range w.cfg.DiskFreeThresholds {
		free, err := freeBytes(mount)
		if err != nil {
			log.WarnContext(ctx, "disk sample failed", "mount", mount, "error", err)
			continue
		}
		w.metrics.DiskFreeBytes.WithLabelValues(mount).Set(float64(free))
		if w.observe(now, "disk:"+mount, free < minFree) {
			log.WarnContext(ctx, "sustained low disk space",
				"mount", mount, "free_bytes", free, "min_free_bytes", minFree)
		}
	}
}

// observe tracks a signal's breach state and reports true once the breach
// has lasted the sustain window. The timer resets when the signal recovers.
func (w *Watchdog) observe(now time.Time, key string, breached bool) bool {
	if !breached {
		delete(w.breachSince, key)
		return false
	}
	since, ok := w.breachSince[key]
	if !ok {
		w.breachSince[key] = now
		return false
	}
	return now.Sub(since) >= w.cfg.SustainWindow
}

// sampleCPU returns utilization since the previous sample. The first call
// only primes the counters.
func (w *Watchdog) sampleCPU() (float64, bool) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, false
	}
	busy, total, err := parseCPUStat(data)
	if err != nil {
		return 0, false
	}
	defer func() {
		w.prevBusy, w.prevTotal = busy, total
	}()
	if w.prevTotal == 0 || total <= w.prevTotal {
		return 0, false
	}
	return 100 * float64(busy-w.prevBusy) / float64(total-w.prevTotal), true
}

// parseCPUStat reads the aggregate cpu line, returning busy and total
// jiffies.
func parseCPUStat(data []byte) (busy, total uint64, err error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var values []uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("parse cpu stat field %q: %w", f, err)
			}
			values = append(values, v)
		}
		for i, v := range values {
			total += v
			// idle and iowait are the 4th and 5th columns.
			if i != 3 && i != 4 {
				busy += v
			}
		}
		return busy, total, nil
	}
	return 0, 0, fmt.Errorf("no aggregate cpu line")
}

func readMemPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	return parseMemInfo(data)
}

// parseMemInfo derives used-percent from MemTotal and MemAvailable.
func parseMemInfo(data []byte) (float64, error) {
	var totalKB, availKB uint64
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("no MemTotal in meminfo")
	}
	return 100 * float64(totalKB-availKB) / float64(totalKB), nil
}

func freeBytes(mount string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(mount, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", mount, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
