package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/lock"
	"github.com/msageha/scull/internal/uds"
)

// Stop asks the daemon to shut down and waits until it has drained the
// registry and released its lock.
func Stop(ctx context.Context, scullDir string, out io.Writer) error {
	socketPath := filepath.Join(scullDir, uds.DefaultSocketName)
	if _, err := os.Stat(socketPath); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(out, "Device is not running.")
		return nil
	}

	if err := newRemote(scullDir).Shutdown(ctx); err != nil {
		if errors.Is(err, device.ErrAccessDenied) {
			return fmt.Errorf("stop refused: %w", err)
		}
		// The socket may be stale from a daemon that died.
		fmt.Fprintf(out, "Warning: could not reach daemon: %v\n", err)
		return nil
	}
	fmt.Fprintln(out, "Shutdown accepted. Waiting for daemon to stop...")

	// The lock file goes away last, after the drain.
	lockPath := LockPath(scullDir)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := lock.HolderPID(lockPath); errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(out, "Device stopped.")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
