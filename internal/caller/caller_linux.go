//go:build linux

package caller

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/msageha/scull/internal/model"
)

func liveSnapshot() (model.TaskSnapshot, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := unix.Gettid()
	pid := unix.Getpid()

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", pid, tid))
	if err != nil {
		return model.TaskSnapshot{}, fmt.Errorf("read thread stat: %w", err)
	}
	st, err := parseThreadStat(string(data))
	if err != nil {
		return model.TaskSnapshot{}, err
	}

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return model.TaskSnapshot{}, fmt.Errorf("getrusage: %w", err)
	}

	return model.TaskSnapshot{
		State:  model.StateFromLetter(st.state),
		CPU:    st.processor,
		Prio:   st.priority + prioOffset,
		PID:    tid,
		TGID:   pid,
		Nvcsw:  uint64(ru.Nvcsw),
		Nivcsw: uint64(ru.Nivcsw),
	}, nil
}
