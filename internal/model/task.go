package model

import "fmt"

// Task state codes as reported by the Linux scheduler.
const (
	TaskRunning         int64 = 0x0000
	TaskInterruptible   int64 = 0x0001
	TaskUninterruptible int64 = 0x0002
	TaskStopped         int64 = 0x0004
	TaskTraced          int64 = 0x0008
	TaskDead            int64 = 0x0010
	TaskZombie          int64 = 0x0020
	TaskParked          int64 = 0x0040
	TaskIdle            int64 = 0x0402
)

// TaskSnapshot is a point-in-time capture of a caller's scheduling attributes.
// PID is the thread id and TGID the process id, as the kernel names them.
type TaskSnapshot struct {
	State  int64  `json:"state" yaml:"state"`
	CPU    uint32 `json:"cpu" yaml:"cpu"`
	Prio   int    `json:"prio" yaml:"prio"`
	PID    int    `json:"pid" yaml:"pid"`
	TGID   int    `json:"tgid" yaml:"tgid"`
	Nvcsw  uint64 `json:"nvcsw" yaml:"nvcsw"`
	Nivcsw uint64 `json:"nivcsw" yaml:"nivcsw"`
}

func (s TaskSnapshot) String() string {
	return fmt.Sprintf("state %d, cpu %d, prio %d, pid %d, tgid %d, nv %d, niv %d",
		s.State, s.CPU, s.Prio, s.PID, s.TGID, s.Nvcsw, s.Nivcsw)
}

// StateFromLetter maps the state letter of /proc/<pid>/stat to a state code.
func StateFromLetter(c byte) int64 {
	switch c {
	case 'R':
		return TaskRunning
	case 'S':
		return TaskInterruptible
	case 'D':
		return TaskUninterruptible
	case 'T':
		return TaskStopped
	case 't':
		return TaskTraced
	case 'X':
		return TaskDead
	case 'Z':
		return TaskZombie
	case 'P':
		return TaskParked
	case 'I':
		return TaskIdle
	default:
		return -1
	}
}
