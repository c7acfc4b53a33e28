package device

import (
	"context"
	"fmt"

	"github.com/msageha/scull/internal/caller"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/registry"
	"github.com/msageha/scull/internal/uds"
)

// IoctlParams is the wire form of a Request. Caller is the snapshot the
// client took of its own thread for observe.
type IoctlParams struct {
	Op     Op                  `json:"op"`
	Arg    *int                `json:"arg,omitempty"`
	Caller *model.TaskSnapshot `json:"caller,omitempty"`
}

// PingInfo is returned by the daemon's ping command.
type PingInfo struct {
	Status  string `json:"status"`
	Device  string `json:"device"`
	PID     int    `json:"pid"`
	Quantum int    `json:"quantum"`
	Tasks   int    `json:"tasks"`
}

// Remote dispatches control calls to a daemon over its socket. One Remote
// may be shared by many goroutines, like a file descriptor shared by threads.
type Remote struct {
	client *uds.Client
}

var _ Dispatcher = (*Remote)(nil)

func NewRemote(client *uds.Client) *Remote {
	return &Remote{client: client}
}

// Dispatch sends req to the daemon. For observe the snapshot is taken here,
// on the calling thread, because that thread is the caller being observed.
func (r *Remote) Dispatch(ctx context.Context, req Request) (Result, error) {
	params := IoctlParams{Op: req.Op, Arg: req.Arg}
	if req.Op == OpObserve {
		p := req.Caller
		if p == nil {
			p = caller.Live{}
		}
		snap, err := p.Snapshot()
		if err != nil {
			return Result{}, fmt.Errorf("observe: snapshot caller: %w", err)
		}
		params.Caller = &snap
	}

	resp, err := r.client.SendCommand(ctx, uds.CommandIoctl, params)
	if err != nil {
		return Result{}, err
	}
	if !resp.Success {
		return Result{}, errorFromDetail(resp.Error)
	}

	var res Result
	if err := resp.DecodeData(&res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Remote) Ping(ctx context.Context) (PingInfo, error) {
	var info PingInfo
	resp, err := r.client.SendCommand(ctx, uds.CommandPing, nil)
	if err != nil {
		return info, err
	}
	if err := resp.DecodeData(&info); err != nil {
		return info, err
	}
	return info, nil
}

// Tasks lists the registry without draining it.
func (r *Remote) Tasks(ctx context.Context) ([]registry.Entry, error) {
	var entries []registry.Entry
	resp, err := r.client.SendCommand(ctx, uds.CommandTasks, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.DecodeData(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Shutdown asks the daemon to stop; the registry is drained on the way out.
func (r *Remote) Shutdown(ctx context.Context) error {
	resp, err := r.client.SendCommand(ctx, uds.CommandShutdown, nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errorFromDetail(resp.Error)
	}
	return nil
}
