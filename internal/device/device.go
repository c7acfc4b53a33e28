// Package device implements the scull control device: a quantum store and a
// task registry behind a single control-code dispatcher.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/msageha/scull/internal/caller"
	"github.com/msageha/scull/internal/events"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/quantum"
	"github.com/msageha/scull/internal/registry"
)

// Request is one control call. Arg is required for set, tell, exchange and
// shift. Caller is consulted by observe; nil means the device's default
// provider.
type Request struct {
	Op     Op
	Arg    *int
	Caller caller.Provider
}

// Result carries whichever of Value, Old or Task the op produces.
type Result struct {
	Op    Op                  `json:"op"`
	Value *int                `json:"value,omitempty"`
	Old   *int                `json:"old,omitempty"`
	Task  *model.TaskSnapshot `json:"task,omitempty"`
}

// Dispatcher is implemented by the in-process Device and by Remote.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// Device owns the quantum and the registry for its whole lifetime.
type Device struct {
	name     string
	quantum  *quantum.Store
	registry *registry.Registry
	provider caller.Provider
	logger   *zap.Logger
	metrics  *Metrics
	bus      *events.Bus
	owner    int

	closeOnce sync.Once
	drained   int
}

var _ Dispatcher = (*Device)(nil)

// New creates a device from cfg. A nil logger disables logging.
func New(cfg model.Config, logger *zap.Logger) *Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Device.Name
	if name == "" {
		name = "scull"
	}
	return &Device{
		name:     name,
		quantum:  quantum.NewStore(cfg.InitialQuantum()),
		registry: registry.New(cfg.Registry.MaxEntries),
		provider: caller.Live{},
		owner:    os.Getuid(),
		logger:   logger.Named("device").With(zap.String("device", name)),
	}
}

// SetDefaultProvider replaces the provider observe uses when a request has
// no Caller. Must be called before the device is shared.
func (d *Device) SetDefaultProvider(p caller.Provider) {
	d.provider = p
}

// SetOwner sets the uid allowed to change device state. New uses the uid of
// the current process. Must be called before the device is shared.
func (d *Device) SetOwner(uid int) {
	d.owner = uid
}

// SetEventBus wires an event bus. Must be called before the device is shared.
func (d *Device) SetEventBus(b *events.Bus) {
	d.bus = b
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Tasks returns a copy of the registry in first-seen order.
func (d *Device) Tasks() []registry.Entry {
	return d.registry.Entries()
}

// Quantum returns the current quantum without going through Dispatch.
func (d *Device) Quantum() int {
	return d.quantum.Get()
}

// Dispatch validates req and runs it. The op must belong to the fixed set
// and carry its argument before any state is touched.
func (d *Device) Dispatch(ctx context.Context, req Request) (res Result, err error) {
	if !req.Op.Valid() {
		d.metrics.observe("", ErrUnsupportedOperation)
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedOperation, req.Op)
	}
	defer func() { d.metrics.observe(req.Op, err) }()

	if req.Op.NeedsArg() && req.Arg == nil {
		return Result{}, fmt.Errorf("%s: missing quantum: %w", req.Op, ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res = Result{Op: req.Op}
	switch req.Op {
	case OpReset:
		old := d.quantum.Reset()
		d.quantumChanged(req.Op, model.DefaultQuantum, old)
	case OpSet:
		old := d.quantum.Set(*req.Arg)
		d.quantumChanged(req.Op, *req.Arg, old)
	case OpTell:
		old := d.quantum.Tell(*req.Arg)
		d.quantumChanged(req.Op, *req.Arg, old)
	case OpGet:
		v := d.quantum.Get()
		res.Value = &v
	case OpQuery:
		v, ok := d.quantum.Query()
		if !ok {
			return Result{}, fmt.Errorf("query: quantum %d: %w", v, ErrQueryOutOfRange)
		}
		res.Value = &v
	case OpExchange:
		old := d.quantum.Exchange(*req.Arg)
		res.Old = &old
		d.quantumChanged(req.Op, *req.Arg, old)
	case OpShift:
		old := d.quantum.Shift(*req.Arg)
		res.Old = &old
		d.quantumChanged(req.Op, *req.Arg, old)
	case OpObserve:
		snap, err := d.observe(req.Caller)
		if err != nil {
			return Result{}, err
		}
		res.Task = &snap
	default:
		panic(fmt.Sprintf("device: op %q is in the op table but has no handler", req.Op))
	}
	return res, nil
}

// observe snapshots the caller and registers its identity once. A
// registration failure is logged and does not fail the observation.
func (d *Device) observe(p caller.Provider) (model.TaskSnapshot, error) {
	if p == nil {
		p = d.provider
	}
	snap, err := p.Snapshot()
	if err != nil {
		return model.TaskSnapshot{}, fmt.Errorf("observe: snapshot caller: %w", err)
	}

	id := registry.Identity{PID: snap.PID, TGID: snap.TGID}
	added, err := d.registry.Record(id)
	switch {
	case errors.Is(err, registry.ErrClosed):
		d.logger.Warn("observe after drain, task not registered", zap.Int("pid", id.PID), zap.Int("tgid", id.TGID))
	case err != nil:
		d.metrics.registryFailed()
		d.logger.Error("failed to register task", zap.Int("pid", id.PID), zap.Int("tgid", id.TGID), zap.Error(err))
	case added:
		d.logger.Debug("task registered", zap.Int("pid", id.PID), zap.Int("tgid", id.TGID))
		d.bus.Publish(events.EventTaskRegistered, map[string]any{"pid": id.PID, "tgid": id.TGID})
	}
	return snap, nil
}

// quantumChanged runs after the store lock is released, so concurrent writes
// may publish out of order. Each event carries the value it replaced; chaining
// old to value recovers the order the store applied them in.
func (d *Device) quantumChanged(op Op, value, old int) {
	d.logger.Debug("quantum changed", zap.String("op", string(op)), zap.Int("quantum", value), zap.Int("old", old))
	d.bus.Publish(events.EventQuantumChanged, map[string]any{"op": string(op), "value": value, "old": old})
}

// Close drains the registry and reports every entry in first-seen order.
// It runs once; the owner must ensure no Dispatch is in flight. It returns
// the number of entries reported.
func (d *Device) Close() int {
	d.closeOnce.Do(func() {
		d.drained = d.registry.Drain(func(e registry.Entry) {
			d.logger.Info(fmt.Sprintf("Task %d: PID %d, TGID %d", e.Seq, e.PID, e.TGID))
			d.bus.Publish(events.EventTaskDrained, map[string]any{
				"pid":        e.PID,
				"tgid":       e.TGID,
				"seq":        e.Seq,
				"first_seen": e.FirstSeen,
			})
		})
		d.logger.Info("registry drained", zap.Int("tasks", d.drained))
	})
	return d.drained
}
