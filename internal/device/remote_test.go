package device

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/scull/internal/caller"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/uds"
)

// serveDevice starts a bare uds server in front of d and returns a Remote.
func serveDevice(t *testing.T, d *Device) *Remote {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "scull-dev-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	sock := filepath.Join(dir, uds.DefaultSocketName)
	server := uds.NewServer(sock)
	server.Handle(uds.CommandIoctl, d.HandleIoctl)
	server.Handle(uds.CommandTasks, func(ctx context.Context, req *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Tasks())
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client := uds.NewClient(sock)
	client.SetTimeout(5 * time.Second)
	return NewRemote(client)
}

func TestRemote_QuantumOps(t *testing.T) {
	d := New(model.Config{}, nil)
	r := serveDevice(t, d)

	dispatch(t, r, OpSet, intp(-12))
	res := dispatch(t, r, OpGet, nil)
	require.NotNil(t, res.Value)
	assert.Equal(t, -12, *res.Value)

	res = dispatch(t, r, OpExchange, intp(3))
	assert.Equal(t, -12, *res.Old)
	res = dispatch(t, r, OpShift, intp(4))
	assert.Equal(t, 3, *res.Old)
	dispatch(t, r, OpTell, intp(9))
	res = dispatch(t, r, OpQuery, nil)
	assert.Equal(t, 9, *res.Value)

	dispatch(t, r, OpReset, nil)
	assert.Equal(t, model.DefaultQuantum, d.Quantum())
}

func TestRemote_ErrorsKeepTheirSentinels(t *testing.T) {
	d := New(model.Config{}, nil)
	r := serveDevice(t, d)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, Request{Op: "bogus"})
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	_, err = r.Dispatch(ctx, Request{Op: OpShift})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	dispatch(t, r, OpSet, intp(-1))
	_, err = r.Dispatch(ctx, Request{Op: OpQuery})
	assert.ErrorIs(t, err, ErrQueryOutOfRange)
	assert.Contains(t, err.Error(), "quantum -1")
}

func TestRemote_ObserveRegistersCallingThread(t *testing.T) {
	d := New(model.Config{}, nil)
	r := serveDevice(t, d)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	a := dispatch(t, r, OpObserve, nil)
	b := dispatch(t, r, OpObserve, nil)
	require.NotNil(t, a.Task)
	require.NotNil(t, b.Task)
	assert.Equal(t, os.Getpid(), a.Task.TGID)
	assert.Equal(t, a.Task.PID, b.Task.PID)

	tasks, err := r.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, a.Task.PID, tasks[0].PID)
	assert.Equal(t, os.Getpid(), tasks[0].TGID)
}

func TestRemote_ObserveForeignProcessDenied(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are only checked on linux")
	}
	d := New(model.Config{}, nil)
	r := serveDevice(t, d)

	_, err := r.Dispatch(context.Background(), Request{
		Op:     OpObserve,
		Caller: caller.Static{PID: 1, TGID: 1},
	})
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Empty(t, d.Tasks())
}

func TestHandleIoctl_NoSnapshotUsesPeer(t *testing.T) {
	d := New(model.Config{}, nil)
	ctx := uds.WithPeer(context.Background(), uds.Peer{PID: 321, Known: true})

	req, err := uds.NewRequest(uds.CommandIoctl, IoctlParams{Op: OpObserve})
	require.NoError(t, err)

	resp := d.HandleIoctl(ctx, req)
	require.True(t, resp.Success, "%v", resp.Error)

	var res Result
	require.NoError(t, resp.DecodeData(&res))
	assert.Equal(t, 321, res.Task.PID)
	assert.Equal(t, 321, res.Task.TGID)
}

func TestHandleIoctl_NoSnapshotNoPeer(t *testing.T) {
	d := New(model.Config{}, nil)
	req, _ := uds.NewRequest(uds.CommandIoctl, IoctlParams{Op: OpObserve})

	resp := d.HandleIoctl(context.Background(), req)
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeInvalidArgument, resp.Error.Code)
}

func TestHandleIoctl_UnknownPeerTrustsSnapshot(t *testing.T) {
	d := New(model.Config{}, nil)
	req, _ := uds.NewRequest(uds.CommandIoctl, IoctlParams{
		Op:     OpObserve,
		Caller: &model.TaskSnapshot{PID: 8, TGID: 7},
	})

	resp := d.HandleIoctl(context.Background(), req)
	require.True(t, resp.Success)
	assert.Len(t, d.Tasks(), 1)
}

func TestHandleIoctl_BadParams(t *testing.T) {
	d := New(model.Config{}, nil)
	resp := d.HandleIoctl(context.Background(), &uds.Request{
		ProtocolVersion: uds.ProtocolVersion,
		Command:         uds.CommandIoctl,
		Params:          []byte(`{"op": 5}`),
	})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)
}

func TestHandleIoctl_ForeignUIDIsReadOnly(t *testing.T) {
	d := New(model.Config{}, nil)
	d.SetOwner(1000)
	stranger := uds.WithPeer(context.Background(), uds.Peer{PID: 77, UID: 65534, Known: true})

	for _, op := range []Op{OpReset, OpSet, OpTell, OpExchange, OpShift} {
		req, err := uds.NewRequest(uds.CommandIoctl, IoctlParams{Op: op, Arg: intp(-7)})
		require.NoError(t, err)
		resp := d.HandleIoctl(stranger, req)
		require.False(t, resp.Success, "%s", op)
		assert.Equal(t, uds.ErrCodeAccessDenied, resp.Error.Code, "%s", op)
	}
	assert.Equal(t, model.DefaultQuantum, d.Quantum())

	for _, op := range []Op{OpGet, OpQuery} {
		req, _ := uds.NewRequest(uds.CommandIoctl, IoctlParams{Op: op})
		resp := d.HandleIoctl(stranger, req)
		assert.True(t, resp.Success, "%s: %v", op, resp.Error)
	}
	req, _ := uds.NewRequest(uds.CommandIoctl, IoctlParams{
		Op:     OpObserve,
		Caller: &model.TaskSnapshot{PID: 78, TGID: 77},
	})
	resp := d.HandleIoctl(stranger, req)
	assert.True(t, resp.Success, "%v", resp.Error)
}

func TestHandleIoctl_OwnerAndRootMayWrite(t *testing.T) {
	d := New(model.Config{}, nil)
	d.SetOwner(1000)

	for i, uid := range []int{1000, 0} {
		ctx := uds.WithPeer(context.Background(), uds.Peer{PID: 50, UID: uid, Known: true})
		req, _ := uds.NewRequest(uds.CommandIoctl, IoctlParams{Op: OpSet, Arg: intp(i + 1)})
		resp := d.HandleIoctl(ctx, req)
		require.True(t, resp.Success, "uid %d: %v", uid, resp.Error)
		assert.Equal(t, i+1, d.Quantum())
	}
}

func TestAuthorize(t *testing.T) {
	d := New(model.Config{}, nil)
	d.SetOwner(1000)

	assert.NoError(t, d.Authorize(uds.Peer{}), "no credentials to check")
	assert.NoError(t, d.Authorize(uds.Peer{UID: 1000, Known: true}))
	assert.NoError(t, d.Authorize(uds.Peer{UID: 0, Known: true}))
	assert.ErrorIs(t, d.Authorize(uds.Peer{UID: 1001, Known: true}), ErrAccessDenied)
}
