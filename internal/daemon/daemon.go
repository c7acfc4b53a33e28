// Package daemon runs the scull device: it owns the Device for the lifetime
// of the process, serves control calls over a unix socket and drains the
// task registry on the way out.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/events"
	"github.com/msageha/scull/internal/lock"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/observability"
	"github.com/msageha/scull/internal/uds"
)

// Daemon is the scull device process.
type Daemon struct {
	scullDir string
	config   model.Config
	logger   *zap.Logger
	level    zap.AtomicLevel

	fileLock *lock.FileLock
	server   *uds.Server
	device   *device.Device
	bus      *events.Bus
	audit    *events.AuditLogger
	registry *prom.Registry
	metrics  *http.Server
	watcher  *fsnotify.Watcher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// New creates a daemon for scullDir, building its logger from cfg.
func New(scullDir string, cfg model.Config) (*Daemon, error) {
	logger, level, err := observability.SetupLogger(cfg.Logging, filepath.Join(scullDir, "logs"))
	if err != nil {
		return nil, fmt.Errorf("setup logger: %w", err)
	}
	return newDaemon(scullDir, cfg, logger, level), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(scullDir string, cfg model.Config, logger *zap.Logger, level zap.AtomicLevel) *Daemon {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	server := uds.NewServer(filepath.Join(scullDir, uds.DefaultSocketName))
	server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)
	server.SetLogger(logger)

	d := &Daemon{
		scullDir: scullDir,
		config:   cfg,
		logger:   logger.Named("daemon"),
		level:    level,
		fileLock: lock.NewFileLock(filepath.Join(scullDir, "locks", "daemon.lock")),
		server:   server,
		device:   device.New(cfg, logger),
		bus:      events.NewBus(256),
		registry: prom.NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	d.device.SetEventBus(d.bus)
	return d
}

// Device returns the device the daemon serves.
func (d *Daemon) Device() *device.Device {
	return d.device
}

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string {
	return filepath.Join(d.scullDir, uds.DefaultSocketName)
}

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	<-d.done
	return nil
}

// Start brings the device online without blocking.
func (d *Daemon) Start() error {
	// Step 1: one daemon per directory
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon starting",
		zap.Int("pid", os.Getpid()),
		zap.String("device", d.device.Name()),
		zap.Int("quantum", d.device.Quantum()))

	// Step 2: audit trail
	if d.config.Audit.Enabled {
		audit, err := events.NewAuditLogger(filepath.Join(d.scullDir, "logs", events.AuditFileName), d.config.Audit.MaxSizeMB)
		if err != nil {
			d.cleanup()
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		audit.Attach(d.bus, func(err error) {
			d.logger.Warn("audit write failed", zap.Error(err))
		})
	}

	// Step 3: metrics
	if err := d.device.RegisterMetrics("scull", d.registry); err != nil {
		d.abortStart()
		return fmt.Errorf("register metrics: %w", err)
	}
	if d.config.Metrics.Listen != "" {
		if err := d.startMetrics(d.config.Metrics.Listen); err != nil {
			d.abortStart()
			return err
		}
	}

	// Step 4: config hot reload
	if err := d.startWatcher(); err != nil {
		d.logger.Warn("config watcher disabled", zap.Error(err))
	}

	// Step 5: control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info("device ready", zap.String("socket", d.SocketPath()))
	return nil
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandIoctl, d.device.HandleIoctl)

	d.server.Handle(uds.CommandPing, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(device.PingInfo{
			Status:  "ok",
			Device:  d.device.Name(),
			PID:     os.Getpid(),
			Quantum: d.device.Quantum(),
			Tasks:   len(d.device.Tasks()),
		})
	})

	d.server.Handle(uds.CommandTasks, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.device.Tasks())
	})

	d.server.Handle(uds.CommandShutdown, d.handleShutdown)
}

// handleShutdown starts a graceful shutdown for an authorized peer.
func (d *Daemon) handleShutdown(ctx context.Context, req *uds.Request) *uds.Response {
	peer := uds.PeerFromContext(ctx)
	if err := d.device.Authorize(peer); err != nil {
		d.logger.Warn("shutdown refused", zap.Int("peer_pid", peer.PID), zap.Int("peer_uid", peer.UID))
		return uds.ErrorResponse(uds.ErrCodeAccessDenied, fmt.Sprintf("shutdown: %v", err))
	}
	d.logger.Info("shutdown requested via UDS", zap.Int("peer_pid", peer.PID))
	// Shutdown waits for this very connection, so it cannot run inline.
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
}

func (d *Daemon) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	d.registry.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	d.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	d.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// startWatcher watches the config file and applies the log level on change.
// The directory is watched because editors replace files by rename.
func (d *Daemon) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(d.scullDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", d.scullDir, err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go d.watchLoop()
	return nil
}

func (d *Daemon) watchLoop() {
	defer d.wg.Done()
	configPath := filepath.Join(d.scullDir, model.ConfigFileName)

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.reloadConfig(configPath)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

// reloadConfig applies the reloadable part of the config: the log level.
// Everything else is fixed for the life of the device.
func (d *Daemon) reloadConfig(path string) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		d.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	next := observability.ParseLevel(cfg.Logging.Level)
	if next == d.level.Level() {
		return
	}
	d.level.SetLevel(next)
	d.logger.Info("log level changed", zap.Stringer("level", next))
}

// waitSignals blocks until a shutdown signal arrives or shutdown starts by
// other means.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
	case <-d.ctx.Done():
		return
	}

	// Second signal forces exit.
	go func() {
		select {
		case <-sigCh:
			d.logger.Warn("received second signal, forcing exit")
			_ = d.logger.Sync()
			os.Exit(1)
		case <-d.done:
		}
	}()

	d.Shutdown()
}

// Shutdown stops accepting calls, waits for in-flight ones and then drains
// the registry. It is idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.done)
		d.logger.Info("shutdown started")

		// 1. Stop producers
		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}

		// 2. Stop the socket; Stop returns once every connection is done.
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		stopped := make(chan struct{})
		go func() {
			d.server.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
			d.logger.Info("control socket closed")
		case <-time.After(timeout):
			d.logger.Warn("shutdown timeout, draining with connections still open", zap.Duration("timeout", timeout))
		}

		// 3. No Dispatch can start any more: report and discard the registry.
		d.device.Close()

		// 4. Cleanup
		if d.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.metrics.Shutdown(ctx)
			cancel()
		}
		d.wg.Wait()
		d.bus.Close()
		d.cleanup()
		d.logger.Info("daemon stopped")
		_ = d.logger.Sync()
	})
}

// abortStart undoes a partial Start: background goroutines are stopped and
// waited for before the audit log and the lock are released.
func (d *Daemon) abortStart() {
	d.cancel()
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.metrics.Shutdown(ctx)
		cancel()
	}
	d.wg.Wait()
	d.bus.Close()
	d.cleanup()
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warn("close audit log", zap.Error(err))
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", zap.Error(err))
	}
}
