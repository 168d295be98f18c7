package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/store"
)

// ShieldEnforcer is the enforcement face of the shield controller.
type ShieldEnforcer interface {
	Active() bool
	EnforceOnce(ctx context.Context) (int, error)
}

// WatcherConfig holds enforcement watcher configuration.
type WatcherConfig struct {
	EnforcementInterval time.Duration // how often to re-terminate shielded apps
	ReconcileInterval   time.Duration // how often to catch sessions expired while suspended
	HeartbeatInterval   time.Duration // how often to update the liveness marker
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		EnforcementInterval: 10 * time.Second,
		ReconcileInterval:   30 * time.Second,
		HeartbeatInterval:   30 * time.Second,
	}
}

// Watcher is the shield enforcement daemon loop. While a shield is up
// it terminates processes of shielded apps on an interval, and it
// periodically reconciles the session timer so a session that expired
// while the process was suspended still gets its shield back.
type Watcher struct {
	config WatcherConfig
	shield ShieldEnforcer
	timer  *SessionTimer
	shared domain.SharedStore
	pm     domain.ProcessManager
	logger *zap.Logger
}

// NewWatcher creates an enforcement watcher.
func NewWatcher(
	config WatcherConfig,
	shield ShieldEnforcer,
	timer *SessionTimer,
	shared domain.SharedStore,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *Watcher {
	return &Watcher{
		config: config,
		shield: shield,
		timer:  timer,
		shared: shared,
		pm:     pm,
		logger: logger,
	}
}

// Run starts the watcher loop. This blocks until context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	// Register ourselves so status checks can probe liveness.
	if err := store.PutInt64(w.shared, store.KeyDaemonPID, int64(w.pm.GetCurrentPID())); err != nil {
		w.logger.Error("failed to register daemon pid", zap.Error(err))
		return err
	}
	w.heartbeat()

	w.logger.Info("enforcement watcher started",
		zap.Int("pid", w.pm.GetCurrentPID()))

	// Launch-time reconciliation catches a session that expired while
	// no process was running.
	if err := w.timer.ReconcileOnWake(); err != nil {
		w.logger.Warn("launch reconciliation failed", zap.Error(err))
	}

	// Enforce immediately on startup.
	w.runEnforcement(ctx)

	enforceTicker := time.NewTicker(w.config.EnforcementInterval)
	reconcileTicker := time.NewTicker(w.config.ReconcileInterval)
	heartbeatTicker := time.NewTicker(w.config.HeartbeatInterval)

	defer func() {
		enforceTicker.Stop()
		reconcileTicker.Stop()
		heartbeatTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("enforcement watcher stopping")
			return ctx.Err()

		case <-enforceTicker.C:
			w.runEnforcement(ctx)

		case <-reconcileTicker.C:
			if err := w.timer.ReconcileOnWake(); err != nil {
				w.logger.Warn("reconciliation failed", zap.Error(err))
			}

		case <-heartbeatTicker.C:
			w.heartbeat()
		}
	}
}

// runEnforcement terminates processes of shielded targets.
func (w *Watcher) runEnforcement(ctx context.Context) {
	if !w.shield.Active() {
		return
	}

	killed, err := w.shield.EnforceOnce(ctx)
	if err != nil {
		w.logger.Error("enforcement failed", zap.Error(err))
		return
	}

	if killed > 0 {
		if err := store.PutTime(w.shared, store.KeyShieldActionTimestamp, time.Now()); err != nil {
			w.logger.Warn("failed to record shield action", zap.Error(err))
		}
		w.logger.Info("enforcement completed", zap.Int("processes_killed", killed))
	}
}

func (w *Watcher) heartbeat() {
	if err := store.PutTime(w.shared, store.KeyDaemonHeartbeat, time.Now()); err != nil {
		w.logger.Warn("failed to update heartbeat", zap.Error(err))
	}
}
