// Package infra implements infrastructure concerns (shield, storage,
// notifications, consent).
package infra

import (
	"os"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pushinapp/blockd/internal/domain"
)

// ProcessManagerImpl backs the shield's enforcement passes with
// gopsutil process enumeration.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// FindByName returns the PIDs whose process name matches pattern,
// case-insensitively, as an exact name or a substring. Blocked-app
// identifiers are matched loosely on purpose: "slack" should catch
// both "Slack" and "slack-helper".
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(pattern)

	var found []int
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			// Raced with process exit.
			continue
		}
		if strings.EqualFold(name, pattern) || strings.Contains(strings.ToLower(name), needle) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

// Kill terminates pid with SIGKILL. A blocked app gets no chance to
// intercept the signal and keep running through the shield.
func (pm *ProcessManagerImpl) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// IsRunning reports whether pid is alive, via the null signal.
func (pm *ProcessManagerImpl) IsRunning(pid int) bool {
	// FindProcess never fails on Unix; the null signal is the real check.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetCurrentPID returns this process's PID, used by the watcher's
// daemon registration and to keep enforcement from killing itself.
func (pm *ProcessManagerImpl) GetCurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
