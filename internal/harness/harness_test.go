package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/model"
	"github.com/msageha/scull/internal/uds"
)

const testSocketEnv = "SCULL_HARNESS_TEST_SOCKET"

// TestHelperChild is not a real test: RunProcesses re-executes the test
// binary into it.
func TestHelperChild(t *testing.T) {
	calls, ok := ChildCalls()
	if !ok {
		return
	}
	client := uds.NewClient(os.Getenv(testSocketEnv))
	client.SetTimeout(5 * time.Second)

	err := RunChild(context.Background(), device.NewRemote(client), calls, func(s model.TaskSnapshot) {
		fmt.Println(s.String())
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("thread identities need linux")
	}
}

type dispatchFunc func(ctx context.Context, req device.Request) (device.Result, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req device.Request) (device.Result, error) {
	return f(ctx, req)
}

func TestObserve_ReturnsSnapshotsInOrder(t *testing.T) {
	var n atomic.Int64
	d := dispatchFunc(func(ctx context.Context, req device.Request) (device.Result, error) {
		assert.Equal(t, device.OpObserve, req.Op)
		snap := model.TaskSnapshot{PID: 10, TGID: 10, Nvcsw: uint64(n.Add(1))}
		return device.Result{Op: req.Op, Task: &snap}, nil
	})

	snaps, err := Observe(context.Background(), d, 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, s := range snaps {
		assert.Equal(t, uint64(i+1), s.Nvcsw)
	}
}

func TestObserve_StopsOnError(t *testing.T) {
	calls := 0
	d := dispatchFunc(func(ctx context.Context, req device.Request) (device.Result, error) {
		calls++
		if calls == 2 {
			return device.Result{}, device.ErrAccessDenied
		}
		return device.Result{Op: req.Op, Task: &model.TaskSnapshot{}}, nil
	})

	snaps, err := Observe(context.Background(), d, 5)
	assert.ErrorIs(t, err, device.ErrAccessDenied)
	assert.Len(t, snaps, 1)
	assert.Equal(t, 2, calls)
}

func TestObserve_EmptyResult(t *testing.T) {
	d := dispatchFunc(func(ctx context.Context, req device.Request) (device.Result, error) {
		return device.Result{Op: req.Op}, nil
	})
	_, err := Observe(context.Background(), d, 1)
	assert.ErrorContains(t, err, "empty result")
}

func TestRunThreads_DistinctThreadsOneEntryEach(t *testing.T) {
	requireLinux(t)
	d := device.New(model.Config{}, nil)

	results, err := RunThreads(context.Background(), d, DefaultThreads, DefaultCalls)
	require.NoError(t, err)
	require.Len(t, results, DefaultThreads)

	seen := map[int]bool{}
	for i, snaps := range results {
		require.Len(t, snaps, DefaultCalls, "worker %d", i)
		assert.Equal(t, snaps[0].PID, snaps[1].PID, "worker %d changed thread", i)
		assert.Equal(t, os.Getpid(), snaps[0].TGID)
		assert.False(t, seen[snaps[0].PID], "thread %d shared by two workers", snaps[0].PID)
		seen[snaps[0].PID] = true
	}

	tasks := d.Tasks()
	require.Len(t, tasks, DefaultThreads)
	for _, e := range tasks {
		assert.True(t, seen[e.PID])
	}
	assert.Equal(t, DefaultThreads, d.Close())
}

func TestRunThreads_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	d := dispatchFunc(func(ctx context.Context, req device.Request) (device.Result, error) {
		return device.Result{}, boom
	})

	_, err := RunThreads(context.Background(), d, 3, 2)
	assert.ErrorIs(t, err, boom)
}

func TestChildCalls(t *testing.T) {
	t.Setenv(ChildEnv, "3")
	n, ok := ChildCalls()
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	t.Setenv(ChildEnv, "x")
	_, ok = ChildCalls()
	assert.False(t, ok)
}

func TestRunProcesses_EachChildRegistersOnce(t *testing.T) {
	requireLinux(t)
	dir, err := os.MkdirTemp("/tmp", "scull-h-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	d := device.New(model.Config{}, nil)
	sock := filepath.Join(dir, uds.DefaultSocketName)
	server := uds.NewServer(sock)
	server.Handle(uds.CommandIoctl, d.HandleIoctl)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	t.Setenv(testSocketEnv, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	results, err := RunProcesses(ctx, os.Args[0], []string{"-test.run=^TestHelperChild$"}, DefaultProcesses, DefaultCalls)
	require.NoError(t, err)
	require.Len(t, results, DefaultProcesses)

	pids := map[int]bool{}
	for i, r := range results {
		lines := strings.Split(strings.TrimSpace(string(r.Output)), "\n")
		require.Len(t, lines, DefaultCalls, "child %d output: %s", i, r.Output)
		assert.Contains(t, lines[0], fmt.Sprintf("tgid %d,", r.PID))
		pids[r.PID] = true
	}
	assert.NotContains(t, pids, os.Getpid())

	tasks := d.Tasks()
	require.Len(t, tasks, DefaultProcesses)
	for _, e := range tasks {
		assert.True(t, pids[e.TGID], "entry %s not from a child", e.Identity)
	}
}
