package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/store"
)

// notificationRateLimit is the minimum spacing between two scheduled
// notifications of the same kind, regardless of distinct signal ids.
// The shield extension can fire several times in short succession when
// the user hammers the earn-screen-time button.
const notificationRateLimit = 60 * time.Second

// navigationFreshness bounds how old a shield tap may be and still
// trigger in-app navigation to the workout screen.
const navigationFreshness = 5 * time.Minute

// SignalBusConfig holds the polling configuration.
type SignalBusConfig struct {
	PollInterval time.Duration // store scan cadence while foregrounded
}

// DefaultSignalBusConfig returns default signal bus configuration.
func DefaultSignalBusConfig() SignalBusConfig {
	return SignalBusConfig{PollInterval: 2 * time.Second}
}

// SignalBus polls the shared store for signals written by the
// out-of-process shield extension and turns them into local
// notifications and navigation events.
//
// The store gives no atomicity: a "mark consumed" write can race a new
// signal write from the extension, and a consumed signal may briefly
// reappear as pending. Deduplication is therefore by last-consumed id
// per signal kind, not by presence of the pending key.
type SignalBus struct {
	config   SignalBusConfig
	shared   domain.SharedStore
	notifier domain.NotificationScheduler
	logger   *zap.Logger

	// events optionally delivers store-change wakeups (fsnotify) so a
	// fresh signal is handled before the next poll tick.
	events <-chan struct{}

	// now is swapped in tests.
	now func() time.Time
}

// NewSignalBus creates a signal bus.
func NewSignalBus(
	config SignalBusConfig,
	shared domain.SharedStore,
	notifier domain.NotificationScheduler,
	events <-chan struct{},
	logger *zap.Logger,
) *SignalBus {
	return &SignalBus{
		config:   config,
		shared:   shared,
		notifier: notifier,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls until ctx is canceled. An initial scan runs immediately so
// a signal written while the bus was down is handled at startup.
func (b *SignalBus) Run(ctx context.Context) error {
	b.Scan()

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("signal bus stopping")
			return ctx.Err()

		case <-ticker.C:
			b.Scan()

		case _, ok := <-b.events:
			if !ok {
				// Watcher gone; polling continues alone.
				b.events = nil
				continue
			}
			b.Scan()
		}
	}
}

// Scan runs one polling cycle: read the pending signal, discard it if
// expired, deduplicate, rate-limit, and schedule the notification.
func (b *SignalBus) Scan() {
	signal, ok := b.pendingSignal()
	if !ok {
		return
	}

	now := b.now()

	if signal.Expired(now) {
		b.logger.Debug("discarding expired signal", zap.String("signal_id", signal.ID))
		b.clearPending()
		return
	}

	lastID, _ := b.shared.Get(store.KeyLastScheduledNotification)
	if signal.ID == lastID {
		// Already handled; the pending key reappeared or was never
		// cleaned up. Tidy it and move on.
		b.clearPending()
		return
	}

	if lastTime, ok := store.GetTime(b.shared, store.KeyLastNotificationTime); ok {
		if now.Sub(lastTime) < notificationRateLimit {
			// Too soon after the previous notification. Consume the
			// signal without scheduling so it cannot fire later and
			// violate the spacing guarantee.
			b.logger.Debug("signal rate limited", zap.String("signal_id", signal.ID))
			b.markConsumed(signal.ID, lastTime)
			return
		}
	}

	if err := b.notifier.ScheduleWorkoutReminder(signal.ID); err != nil {
		// Leave the signal pending; the next cycle retries until it
		// expires on its own.
		b.logger.Warn("failed to schedule notification",
			zap.String("signal_id", signal.ID),
			zap.Error(err))
		return
	}

	b.markConsumed(signal.ID, now)

	b.logger.Info("workout notification scheduled", zap.String("signal_id", signal.ID))
}

// CheckPendingNotification reports whether an unconsumed, unexpired
// signal is waiting, without consuming it.
func (b *SignalBus) CheckPendingNotification() (domain.PendingSignal, bool) {
	signal, ok := b.pendingSignal()
	if !ok {
		return domain.PendingSignal{}, false
	}
	if signal.Expired(b.now()) {
		return domain.PendingSignal{}, false
	}
	lastID, _ := b.shared.Get(store.KeyLastScheduledNotification)
	if signal.ID == lastID {
		return domain.PendingSignal{}, false
	}
	return signal, true
}

// MarkNotificationShown records that the UI presented the notification
// itself, consuming the signal.
func (b *SignalBus) MarkNotificationShown(id string) error {
	if id == "" {
		return domain.E(domain.CodeInvalidArgs, "notification id is empty")
	}
	b.markConsumed(id, b.now())
	return nil
}

// CheckPendingNavigation consumes the should-show-workout flag written
// when the user tapped earn-screen-time on the shield. Stale taps are
// ignored: the flag only navigates when the shield action is fresh.
func (b *SignalBus) CheckPendingNavigation() bool {
	if !store.GetBool(b.shared, store.KeyShouldShowWorkout) {
		return false
	}

	// Consume regardless of freshness so a stale tap does not linger.
	if err := b.shared.Delete(store.KeyShouldShowWorkout); err != nil {
		b.logger.Warn("failed to consume navigation flag", zap.Error(err))
	}

	actionTime, ok := store.GetTime(b.shared, store.KeyShieldActionTimestamp)
	if ok && b.now().Sub(actionTime) > navigationFreshness {
		b.logger.Debug("ignoring stale workout navigation flag")
		return false
	}
	return true
}

// pendingSignal assembles the PendingSignal from its store keys.
func (b *SignalBus) pendingSignal() (domain.PendingSignal, bool) {
	id, ok := b.shared.Get(store.KeyPendingNotificationID)
	if !ok || id == "" {
		return domain.PendingSignal{}, false
	}

	signal := domain.PendingSignal{
		ID:   id,
		Kind: domain.SignalWorkoutReminder,
	}

	if expiresAt, ok := store.GetTime(b.shared, store.KeyNotificationExpiresAt); ok {
		signal.ExpiresAt = expiresAt
	} else {
		// No expiry recorded: treat the signal as short-lived rather
		// than immortal.
		signal.ExpiresAt = b.now().Add(navigationFreshness)
	}

	return signal, true
}

func (b *SignalBus) markConsumed(id string, lastNotification time.Time) {
	if err := b.shared.Put(store.KeyLastScheduledNotification, id); err != nil {
		b.logger.Warn("failed to record consumed signal", zap.Error(err))
	}
	if err := store.PutTime(b.shared, store.KeyLastNotificationTime, lastNotification); err != nil {
		b.logger.Warn("failed to record notification time", zap.Error(err))
	}
	b.clearPending()
}

func (b *SignalBus) clearPending() {
	_ = b.shared.Delete(store.KeyPendingNotificationID)
	_ = b.shared.Delete(store.KeyNotificationExpiresAt)
}
