// Package caller captures the scheduling attributes of whoever is calling
// into the device.
package caller

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/msageha/scull/internal/model"
)

// Provider produces a fresh snapshot of the calling execution context.
type Provider interface {
	Snapshot() (model.TaskSnapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (model.TaskSnapshot, error)

func (f ProviderFunc) Snapshot() (model.TaskSnapshot, error) { return f() }

// Static always returns the same snapshot. The daemon uses it for snapshots
// reported by a remote client; tests use it for synthetic callers.
type Static model.TaskSnapshot

func (s Static) Snapshot() (model.TaskSnapshot, error) { return model.TaskSnapshot(s), nil }

// Live snapshots the OS thread the calling goroutine runs on. Callers that
// need a stable identity across calls must hold runtime.LockOSThread.
type Live struct{}

func (Live) Snapshot() (model.TaskSnapshot, error) { return liveSnapshot() }

// threadStat holds the fields of /proc/<pid>/task/<tid>/stat we care about.
type threadStat struct {
	state     byte
	priority  int
	processor uint32
}

// prioOffset converts the priority field of stat back to the kernel's
// internal prio (stat reports prio - MAX_RT_PRIO).
const prioOffset = 100

// parseThreadStat parses a stat line. The comm field is parenthesized and
// may contain spaces, so fields are counted from the last ')'.
func parseThreadStat(line string) (threadStat, error) {
	end := strings.LastIndexByte(line, ')')
	if end < 0 {
		return threadStat{}, fmt.Errorf("parse stat: missing comm terminator")
	}
	// fields[0] is field 3 (state) in proc(5) numbering.
	fields := strings.Fields(line[end+1:])
	const (
		stateIdx     = 3 - 3
		priorityIdx  = 18 - 3
		processorIdx = 39 - 3
	)
	if len(fields) <= processorIdx {
		return threadStat{}, fmt.Errorf("parse stat: got %d fields after comm, need %d", len(fields), processorIdx+1)
	}
	if len(fields[stateIdx]) != 1 {
		return threadStat{}, fmt.Errorf("parse stat: bad state %q", fields[stateIdx])
	}

	prio, err := strconv.Atoi(fields[priorityIdx])
	if err != nil {
		return threadStat{}, fmt.Errorf("parse stat priority: %w", err)
	}
	cpu, err := strconv.ParseUint(fields[processorIdx], 10, 32)
	if err != nil {
		return threadStat{}, fmt.Errorf("parse stat processor: %w", err)
	}

	return threadStat{
		state:     fields[stateIdx][0],
		priority:  prio,
		processor: uint32(cpu),
	}, nil
}
