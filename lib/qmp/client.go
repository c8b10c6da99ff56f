// Package qmp speaks the hypervisor's JSON control protocol over a per-
// instance UNIX stream socket. Every RPC uses a fresh connection: connect,
// capability handshake, one command, one reply, close. The hypervisor's
// control socket is a non-blocking server, so short-lived connections are
// cheap and leave no state behind.
package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goqmp "github.com/digitalocean/go-qemu/qmp"
)

const (
	// DefaultRPCTimeout bounds a single command round-trip.
	DefaultRPCTimeout = 4 * time.Second

	// DefaultBackupDeadline bounds an entire drive-backup job.
	DefaultBackupDeadline = 300 * time.Second

	jobPollInterval = 500 * time.Millisecond
)

// Client issues one-shot commands against an instance's control socket.
type Client struct {
	socketPath string
	rpcTimeout time.Duration
}

// NewClient creates a client for the given control socket path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, rpcTimeout: DefaultRPCTimeout}
}

// SetRPCTimeout overrides the per-command deadline.
func (c *Client) SetRPCTimeout(d time.Duration) { c.rpcTimeout = d }

type command struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return"`
}

// run performs one complete protocol exchange. The socket monitor reads the
// server greeting and negotiates qmp_capabilities during Connect.
func (c *Client) run(ctx context.Context, cmd command, out any) error {
	mon, err := goqmp.NewSocketMonitor("unix", c.socketPath, c.rpcTimeout)
	if err != nil {
		return fmt.Errorf("open control socket %s: %w", c.socketPath, err)
	}
	if err := mon.Connect(); err != nil {
		return fmt.Errorf("control handshake on %s: %w", c.socketPath, err)
	}
	defer mon.Disconnect()

	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Execute, err)
	}
	raw, err := mon.Run(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Execute, err)
	}
	if out == nil {
		return nil
	}
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse %s reply: %w", cmd.Execute, err)
	}
	if err := json.Unmarshal(resp.Return, out); err != nil {
		return fmt.Errorf("parse %s return: %w", cmd.Execute, err)
	}
	return nil
}

// BlockImage is the nested image description of an inserted medium.
type BlockImage struct {
	Format      string `json:"format"`
	ActualSize  int64  `json:"actual-size"`
	VirtualSize int64  `json:"virtual-size"`
}

// BlockInserted describes the medium currently inserted in a device.
type BlockInserted struct {
	Drv   string     `json:"drv"`
	File  string     `json:"file"`
	RO    bool       `json:"ro"`
	Image BlockImage `json:"image"`
}

// BlockDevice is one entry of a query-block reply.
type BlockDevice struct {
	Device    string         `json:"device"`
	Removable bool           `json:"removable"`
	Inserted  *BlockInserted `json:"inserted,omitempty"`
}

// Format returns the inserted medium's format, preferring the image's own
// format over the driver name.
func (d BlockDevice) Format() string {
	if d.Inserted == nil {
		return ""
	}
	if d.Inserted.Image.Format != "" {
		return d.Inserted.Image.Format
	}
	return d.Inserted.Drv
}

// ReadOnly reports whether the inserted medium is read-only.
func (d BlockDevice) ReadOnly() bool {
	return d.Inserted != nil && d.Inserted.RO
}

// QueryBlock enumerates the instance's block devices.
func (c *Client) QueryBlock(ctx context.Context) ([]BlockDevice, error) {
	var devices []BlockDevice
	if err := c.run(ctx, command{Execute: "query-block"}, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

type driveBackupArgs struct {
	Device       string `json:"device"`
	JobID        string `json:"job-id"`
	Target       string `json:"target"`
	Format       string `json:"format"`
	Sync         string `json:"sync"`
	AutoFinalize bool   `json:"auto-finalize"`
	AutoDismiss  bool   `json:"auto-dismiss"`
}

// DriveBackup starts a full block-backup job writing a qcow2 image to
// targetPath. The job finalizes and dismisses itself, so completion shows up
// as the job disappearing from query-block-jobs.
func (c *Client) DriveBackup(ctx context.Context, device, jobID, targetPath string) error {
	return c.run(ctx, command{
		Execute: "drive-backup",
		Arguments: driveBackupArgs{
			Device:       device,
			JobID:        jobID,
			Target:       targetPath,
			Format:       "qcow2",
			Sync:         "full",
			AutoFinalize: true,
			AutoDismiss:  true,
		},
	}, nil)
}

// BlockJob is one entry of a query-block-jobs reply.
type BlockJob struct {
	Device string `json:"device"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// QueryBlockJobs lists the block jobs currently known to the hypervisor.
func (c *Client) QueryBlockJobs(ctx context.Context) ([]BlockJob, error) {
	var jobs []BlockJob
	if err := c.run(ctx, command{Execute: "query-block-jobs"}, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// WaitBlockJob polls query-block-jobs until the job no longer appears
// (auto-dismiss semantics) or the deadline passes.
func (c *Client) WaitBlockJob(ctx context.Context, jobID string, deadline time.Duration) error {
	limit := time.Now().Add(deadline)
	for time.Now().Before(limit) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		jobs, err := c.QueryBlockJobs(ctx)
		if err != nil {
			return err
		}
		if !jobPresent(jobs, jobID) {
			return nil
		}
		time.Sleep(jobPollInterval)
	}
	return fmt.Errorf("%w: job %s still running after %s", ErrBackupTimeout, jobID, deadline)
}

// jobPresent matches on the device field, which carries the job id for jobs
// started with an explicit job-id.
func jobPresent(jobs []BlockJob, jobID string) bool {
	for _, j := range jobs {
		if j.Device == jobID {
			return true
		}
	}
	return false
}

type hmpArgs struct {
	CommandLine string `json:"command-line"`
}

// HMP runs a human-monitor command and returns its textual output. The
// human monitor reports failures in that output rather than as protocol
// errors, so error lines are parsed back into one.
func (c *Client) HMP(ctx context.Context, commandLine string) (string, error) {
	var out string
	err := c.run(ctx, command{
		Execute:   "human-monitor-command",
		Arguments: hmpArgs{CommandLine: commandLine},
	}, &out)
	if err != nil {
		return "", err
	}
	if msg := strings.TrimSpace(out); strings.HasPrefix(msg, "Error") || strings.HasPrefix(msg, "unknown command") {
		return "", fmt.Errorf("%w: %q: %s", ErrMonitorFailure, commandLine, msg)
	}
	return out, nil
}

// SystemPowerdown requests a graceful ACPI shutdown of the guest.
func (c *Client) SystemPowerdown(ctx context.Context) error {
	return c.run(ctx, command{Execute: "system_powerdown"}, nil)
}
