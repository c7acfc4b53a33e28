// Package lifecycle starts and stops the scull daemon on behalf of the CLI.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/lock"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/setup"
	"github.com/msageha/scull/internal/uds"
	yamlutil "github.com/msageha/scull/internal/yaml"
)

// LockPath returns the daemon lock file of scullDir.
func LockPath(scullDir string) string {
	return filepath.Join(scullDir, "locks", "daemon.lock")
}

// Recover makes scullDir usable by a daemon: it recreates missing
// directories and replaces a config.yaml that no longer parses. Notices go
// to out.
func Recover(scullDir string, out io.Writer) error {
	for _, d := range []string{"locks", "logs"} {
		if err := os.MkdirAll(filepath.Join(scullDir, d), 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}

	configPath := filepath.Join(scullDir, model.ConfigFileName)
	_, err := model.LoadConfig(configPath)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(out, "Warning: %s missing, writing defaults\n", configPath)
		return yamlutil.AtomicWriteRaw(configPath, setup.DefaultConfigYAML())
	case errors.Is(err, model.ErrConfigSyntax):
		fmt.Fprintf(out, "Warning: corrupt YAML detected: %s (%v)\n", configPath, err)
		rec, recErr := yamlutil.RecoverCorruptedFile(scullDir, configPath, setup.DefaultConfigYAML())
		if recErr != nil {
			return fmt.Errorf("recover %s: %w", configPath, recErr)
		}
		from := "defaults"
		if rec.FromBackup {
			from = "backup"
		}
		fmt.Fprintf(out, "Quarantined to %s, restored from %s\n", rec.QuarantinedTo, from)
		return nil
	default:
		// Parses but fails validation: the user has to fix it.
		return err
	}
}

// Start launches `exe daemon` in its own session and waits until it answers
// ping or ctx expires.
func Start(ctx context.Context, scullDir, exe string, out io.Writer) (device.PingInfo, error) {
	if err := Recover(scullDir, out); err != nil {
		return device.PingInfo{}, fmt.Errorf("startup recovery: %w", err)
	}

	fl := lock.NewFileLock(LockPath(scullDir))
	if err := fl.TryLock(); err != nil {
		return device.PingInfo{}, fmt.Errorf("daemon lock check: another instance may be running: %w", err)
	}
	_ = fl.Unlock()

	cmd := exec.Command(exe, "daemon")
	cmd.Env = append(os.Environ(), "SCULL_DIR="+scullDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return device.PingInfo{}, fmt.Errorf("start daemon: %w", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	remote := newRemote(scullDir)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return device.PingInfo{}, fmt.Errorf("daemon did not come up: %w", ctx.Err())
		case err := <-exited:
			return device.PingInfo{}, fmt.Errorf("daemon exited during startup: %v", err)
		case <-ticker.C:
			info, err := remote.Ping(ctx)
			if err == nil {
				return info, nil
			}
		}
	}
}

func newRemote(scullDir string) *device.Remote {
	client := uds.NewClient(filepath.Join(scullDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)
	return device.NewRemote(client)
}
