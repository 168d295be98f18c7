package infra

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
)

// countdownNotificationID is the single persistent id for the
// UNLOCK_TIMER surface; its content is replaced in place on every tick.
const countdownNotificationID = "blockd.unlock.timer"

// CommandRunner abstracts command execution for testing
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands
type RealCommandRunner struct{}

// Run executes a command and waits for it to complete
func (r *RealCommandRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Output executes a command and returns its stdout
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// DesktopNotifier implements domain.NotificationScheduler via the
// platform notification command (osascript on macOS, notify-send
// elsewhere). Failures are logged but never fatal: the app must stay
// usable when the notification surface is unavailable.
type DesktopNotifier struct {
	runner CommandRunner
	logger *zap.Logger
}

// NewDesktopNotifier creates a notifier using real system commands.
func NewDesktopNotifier(logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{runner: &RealCommandRunner{}, logger: logger}
}

// NewDesktopNotifierWithRunner creates a notifier with a custom runner (for testing).
func NewDesktopNotifierWithRunner(runner CommandRunner, logger *zap.Logger) *DesktopNotifier {
	return &DesktopNotifier{runner: runner, logger: logger}
}

// ScheduleWorkoutReminder presents a WORKOUT_REMINDER notification with
// START_WORKOUT / LATER actions.
func (n *DesktopNotifier) ScheduleWorkoutReminder(id string) error {
	title := "Earn screen time"
	body := "Complete a workout to unlock your apps."

	var err error
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		err = n.runner.Run("osascript", "-e", script)
	} else {
		err = n.runner.Run("notify-send",
			"--app-name", "blockd",
			"--category", domain.CategoryWorkoutReminder,
			"--action", domain.ActionStartWorkout+"=Start workout",
			"--action", domain.ActionLater+"=Later",
			title, body)
	}

	if err != nil {
		n.logger.Warn("failed to present workout reminder",
			zap.String("notification_id", id),
			zap.Error(err))
		return err
	}

	n.logger.Info("workout reminder presented", zap.String("notification_id", id))
	return nil
}

// UpdateCountdown replaces the UNLOCK_TIMER surface in place.
func (n *DesktopNotifier) UpdateCountdown(remainingSeconds int) error {
	if remainingSeconds < 0 {
		remainingSeconds = 0
	}
	d := time.Duration(remainingSeconds) * time.Second
	body := fmt.Sprintf("Apps unlocked for %02d:%02d", int(d.Minutes()), remainingSeconds%60)

	var err error
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(`display notification %q with title "Unlock timer"`, body)
		err = n.runner.Run("osascript", "-e", script)
	} else {
		// --replace-id keeps a single surface that updates rather than stacking.
		err = n.runner.Run("notify-send",
			"--app-name", "blockd",
			"--category", domain.CategoryUnlockTimer,
			"--urgency", "low",
			"--hint", "string:x-canonical-private-synchronous:"+countdownNotificationID,
			"Unlock timer", body)
	}

	if err != nil {
		n.logger.Debug("failed to update countdown surface", zap.Error(err))
		return err
	}
	return nil
}

// ClearCountdown removes the countdown surface.
func (n *DesktopNotifier) ClearCountdown() error {
	if runtime.GOOS == "darwin" {
		// Notification center expires transient notifications on its own.
		return nil
	}
	err := n.runner.Run("notify-send",
		"--app-name", "blockd",
		"--urgency", "low",
		"--expire-time", "1",
		"--hint", "string:x-canonical-private-synchronous:"+countdownNotificationID,
		"Unlock timer", "Session ended")
	if err != nil {
		n.logger.Debug("failed to clear countdown surface", zap.Error(err))
	}
	return nil
}

// Ensure DesktopNotifier implements domain.NotificationScheduler.
var _ domain.NotificationScheduler = (*DesktopNotifier)(nil)
