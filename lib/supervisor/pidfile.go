package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const pidfilePollInterval = 50 * time.Millisecond

// waitForPidfile polls until the hypervisor writes its pidfile, returning the
// parsed pid. The file appears only after daemonization completes, so a
// missing file inside the deadline is normal; a missing file at the deadline
// is ErrPidfileMissing.
func waitForPidfile(ctx context.Context, path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		pid, err := readPidfile(path)
		if err == nil {
			return pid, nil
		}
		if !os.IsNotExist(err) {
			lastErr = err
		}
		time.Sleep(pidfilePollInterval)
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w: no pidfile at %s within %s (last read error: %v)", ErrPidfileMissing, path, timeout, lastErr)
	}
	return 0, fmt.Errorf("%w: no pidfile at %s within %s", ErrPidfileMissing, path, timeout)
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", path, err)
	}
	return pid, nil
}
