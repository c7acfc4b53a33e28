package device

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/scull/internal/caller"
	"github.com/msageha/scull/internal/uds"
)

// HandleIoctl serves the ioctl command. Ops that write the quantum need an
// authorized peer. The observe identity is checked against the connection's
// peer credentials: a client may only register threads of its own process.
func (d *Device) HandleIoctl(ctx context.Context, req *uds.Request) *uds.Response {
	var params IoctlParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	if params.Op.Mutates() {
		if err := d.Authorize(uds.PeerFromContext(ctx)); err != nil {
			err = fmt.Errorf("%s: %w", params.Op, err)
			d.metrics.observe(params.Op, err)
			d.logger.Warn("ioctl rejected", zap.Error(err))
			return uds.ErrorResponse(ErrorCode(err), err.Error())
		}
	}

	dreq := Request{Op: params.Op, Arg: params.Arg}
	if params.Op == OpObserve {
		p, err := peerCaller(uds.PeerFromContext(ctx), params)
		if err != nil {
			d.metrics.observe(params.Op, err)
			d.logger.Warn("observe rejected", zap.Error(err))
			return uds.ErrorResponse(ErrorCode(err), err.Error())
		}
		dreq.Caller = p
	}

	res, err := d.Dispatch(ctx, dreq)
	if err != nil {
		return uds.ErrorResponse(ErrorCode(err), err.Error())
	}
	return uds.SuccessResponse(res)
}

// Authorize reports whether peer may change device state or stop it. Only
// the owner uid and root may. A peer without credentials comes from a
// platform that cannot report them and is let through.
func (d *Device) Authorize(peer uds.Peer) error {
	if !peer.Known || peer.UID == d.owner || peer.UID == 0 {
		return nil
	}
	return fmt.Errorf("uid %d is not the device owner (uid %d): %w", peer.UID, d.owner, ErrAccessDenied)
}

func peerCaller(peer uds.Peer, params IoctlParams) (caller.Provider, error) {
	if params.Caller == nil {
		if !peer.Known {
			return nil, fmt.Errorf("observe: no caller snapshot and no peer credentials: %w", ErrInvalidArgument)
		}
		return caller.Static{PID: peer.PID, TGID: peer.PID}, nil
	}
	if peer.Known && params.Caller.TGID != peer.PID {
		return nil, fmt.Errorf("observe: caller tgid %d does not match peer pid %d: %w",
			params.Caller.TGID, peer.PID, ErrAccessDenied)
	}
	return caller.Static(*params.Caller), nil
}
