// Package harness drives the device from several concurrent callers at once:
// separate OS processes, or separate OS threads of one process, each
// issuing a few observe calls against the same device.
package harness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/scull/internal/device"
	"github.com/msageha/scull/internal/model"
)

const (
	DefaultProcesses = 4
	DefaultThreads   = 4
	DefaultCalls     = 2
)

// ChildEnv marks a re-executed process as a harness child. Its value is the
// number of observe calls the child should make.
const ChildEnv = "SCULL_HARNESS_CHILD"

// Observe issues calls observe requests from one OS thread and returns the
// snapshots in call order.
func Observe(ctx context.Context, d device.Dispatcher, calls int) ([]model.TaskSnapshot, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	snaps := make([]model.TaskSnapshot, 0, calls)
	for i := 0; i < calls; i++ {
		res, err := d.Dispatch(ctx, device.Request{Op: device.OpObserve})
		if err != nil {
			return snaps, fmt.Errorf("observe %d: %w", i+1, err)
		}
		if res.Task == nil {
			return snaps, fmt.Errorf("observe %d: empty result", i+1)
		}
		snaps = append(snaps, *res.Task)
	}
	return snaps, nil
}

// RunThreads starts n workers, each on its own OS thread, and has each issue
// calls observe requests once all of them are running. Results are indexed
// by worker.
func RunThreads(ctx context.Context, d device.Dispatcher, n, calls int) ([][]model.TaskSnapshot, error) {
	results := make([][]model.TaskSnapshot, n)
	var ready sync.WaitGroup
	ready.Add(n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			// Never unlocked: the thread exits with the goroutine, so no two
			// workers can share one, even in sequence.
			runtime.LockOSThread()
			ready.Done()
			ready.Wait()

			snaps, err := Observe(gctx, d, calls)
			results[i] = snaps
			if err != nil {
				return fmt.Errorf("thread %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ProcessResult is the outcome of one child process.
type ProcessResult struct {
	PID    int
	Output []byte
}

// RunProcesses re-executes exe with args n times in parallel, with ChildEnv
// set to calls. Each child is expected to run RunChild. Results are indexed
// by child.
func RunProcesses(ctx context.Context, exe string, args []string, n, calls int) ([]ProcessResult, error) {
	results := make([]ProcessResult, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			cmd := exec.CommandContext(gctx, exe, args...)
			cmd.Env = append(os.Environ(), ChildEnv+"="+strconv.Itoa(calls))
			out, err := cmd.CombinedOutput()
			results[i].Output = out
			if cmd.Process != nil {
				results[i].PID = cmd.Process.Pid
			}
			if err != nil {
				return fmt.Errorf("process %d: %w: %s", i, err, out)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ChildCalls reports whether this process was started by RunProcesses and
// how many calls it should make.
func ChildCalls() (int, bool) {
	v, ok := os.LookupEnv(ChildEnv)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// RunChild is the body of a harness child process: it observes calls times
// and hands every snapshot to emit.
func RunChild(ctx context.Context, d device.Dispatcher, calls int, emit func(model.TaskSnapshot)) error {
	snaps, err := Observe(ctx, d, calls)
	for _, s := range snaps {
		emit(s)
	}
	return err
}
