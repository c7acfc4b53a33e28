//go:build !linux

package caller

import (
	"os"

	"github.com/msageha/scull/internal/model"
)

// Thread-level scheduling data is Linux only; elsewhere the process id stands
// in for both identities.
func liveSnapshot() (model.TaskSnapshot, error) {
	pid := os.Getpid()
	return model.TaskSnapshot{
		State: model.TaskRunning,
		PID:   pid,
		TGID:  pid,
	}, nil
}
