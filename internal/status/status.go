// Package status reports whether the device daemon is up and what it holds.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/lock"
	"github.com/msageha/scull/internal/registry"
	"github.com/msageha/scull/internal/uds"
)

type DeviceStatus struct {
	Running bool             `json:"running"`
	PID     int              `json:"pid,omitempty"`
	Device  string           `json:"device,omitempty"`
	Quantum *int             `json:"quantum,omitempty"`
	Tasks   []registry.Entry `json:"tasks,omitempty"`
	// LockHolder is set when a lock file exists but the daemon does not
	// answer, which points at a daemon that is hung or still draining.
	LockHolder int `json:"lock_holder,omitempty"`
}

// Collect queries the daemon of scullDir. A daemon that is not running is
// not an error.
func Collect(ctx context.Context, scullDir string) DeviceStatus {
	client := uds.NewClient(filepath.Join(scullDir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)
	remote := device.NewRemote(client)

	info, err := remote.Ping(ctx)
	if err != nil {
		var st DeviceStatus
		if pid, err := lock.HolderPID(filepath.Join(scullDir, "locks", "daemon.lock")); err == nil {
			st.LockHolder = pid
		}
		return st
	}

	st := DeviceStatus{
		Running: true,
		PID:     info.PID,
		Device:  info.Device,
		Quantum: &info.Quantum,
	}
	if tasks, err := remote.Tasks(ctx); err == nil {
		st.Tasks = tasks
	}
	return st
}

// Run collects the status and writes it to w.
func Run(ctx context.Context, scullDir string, w io.Writer, jsonOutput bool) error {
	st := Collect(ctx, scullDir)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(w, st)
	return nil
}

func printStatus(w io.Writer, s DeviceStatus) {
	if !s.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		if s.LockHolder != 0 {
			fmt.Fprintf(w, "Warning: lock held by pid %d but the device does not answer\n", s.LockHolder)
		}
		return
	}

	fmt.Fprintf(w, "Daemon: running (pid %d)\n", s.PID)
	fmt.Fprintf(w, "Device: %s\n", s.Device)
	fmt.Fprintf(w, "Quantum: %d\n", *s.Quantum)

	if len(s.Tasks) == 0 {
		fmt.Fprintln(w, "\nTasks: none")
		return
	}
	fmt.Fprintln(w, "\nTasks:")
	fmt.Fprintf(w, "  %4s  %8s  %8s  %s\n", "SEQ", "PID", "TGID", "FIRST_SEEN")
	for _, e := range s.Tasks {
		fmt.Fprintf(w, "  %4d  %8d  %8d  %s\n", e.Seq, e.PID, e.TGID, e.FirstSeen.Format(time.RFC3339))
	}
}
