package infra

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockCommandRunner implements CommandRunner for testing
type mockCommandRunner struct {
	mu       sync.Mutex
	commands []string
	runErr   error
}

func (m *mockCommandRunner) Run(name string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runErr != nil {
		return m.runErr
	}
	m.commands = append(m.commands, name+" "+strings.Join(args, " "))
	return nil
}

func (m *mockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, nil
}

func (m *mockCommandRunner) commandLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func TestDesktopNotifier_ScheduleWorkoutReminder(t *testing.T) {
	runner := &mockCommandRunner{}
	n := NewDesktopNotifierWithRunner(runner, zap.NewNop())

	require.NoError(t, n.ScheduleWorkoutReminder("sig-1"))

	log := runner.commandLog()
	require.Len(t, log, 1)
	assert.Contains(t, log[0], "Earn screen time")
}

func TestDesktopNotifier_ScheduleFailureReturned(t *testing.T) {
	runner := &mockCommandRunner{runErr: errors.New("no notification daemon")}
	n := NewDesktopNotifierWithRunner(runner, zap.NewNop())

	err := n.ScheduleWorkoutReminder("sig-1")
	assert.Error(t, err)
}

func TestDesktopNotifier_UpdateCountdown(t *testing.T) {
	runner := &mockCommandRunner{}
	n := NewDesktopNotifierWithRunner(runner, zap.NewNop())

	require.NoError(t, n.UpdateCountdown(90))

	log := runner.commandLog()
	require.Len(t, log, 1)
	assert.Contains(t, log[0], "01:30")

	// Negative remaining is clamped, never rendered.
	require.NoError(t, n.UpdateCountdown(-5))
	log = runner.commandLog()
	require.Len(t, log, 2)
	assert.Contains(t, log[1], "00:00")
}

func TestDesktopNotifier_ClearCountdownNeverFatal(t *testing.T) {
	runner := &mockCommandRunner{runErr: errors.New("no notification daemon")}
	n := NewDesktopNotifierWithRunner(runner, zap.NewNop())

	// Clearing a surface that cannot be reached is logged, not fatal.
	assert.NoError(t, n.ClearCountdown())
}
