// Package daemon implements the long-running coordinator loops: the
// session timer, the signal bus and the shield enforcement watcher.
package daemon

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/store"
)

// TimerState is the session timer's lifecycle state.
type TimerState string

const (
	StateIdle      TimerState = "idle"
	StateRunning   TimerState = "running"
	StateExpired   TimerState = "expired"
	StateCancelled TimerState = "cancelled"
)

// Restorer is the slice of the blocking enforcer the timer drives.
type Restorer interface {
	RemoveBlocking() error
	ReapplyBlocking() (int, error)
}

// EmergencyMarker records active-emergency state in the shared store.
type EmergencyMarker interface {
	MarkActive(expiry time.Time) error
	ClearActive() error
}

// TimerConfig holds tick granularity per session kind.
type TimerConfig struct {
	EmergencyTick time.Duration // countdown granularity for emergency sessions
	StandardTick  time.Duration // countdown granularity for workout/manual sessions
}

// DefaultTimerConfig returns default timer configuration.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		EmergencyTick: 1 * time.Second,
		StandardTick:  1 * time.Second,
	}
}

// SessionTimer tracks the end timestamp of the active unlock window and
// restores the shield at expiry.
//
// Lifecycle: Idle -> Running -> (Expired | Cancelled). At most one
// session drives the shield at a time: starting a new session while one
// is running fully stops the old timer (including its countdown
// surface) before the new one begins. Expiry and cancellation both
// reapply blocking synchronously before the timer's resources are
// released, and that reapply happens at most once per session.
type SessionTimer struct {
	config    TimerConfig
	restorer  Restorer
	notifier  domain.NotificationScheduler
	shared    domain.SharedStore
	emergency EmergencyMarker
	logger    *zap.Logger

	// now is swapped in tests to drive expiry deterministically.
	now func() time.Time

	mu      sync.Mutex
	gen     int64
	state   TimerState
	session *domain.Session
	stop    chan struct{}
	done    chan struct{}
}

// NewSessionTimer creates a session timer.
func NewSessionTimer(
	config TimerConfig,
	restorer Restorer,
	notifier domain.NotificationScheduler,
	shared domain.SharedStore,
	emergency EmergencyMarker,
	logger *zap.Logger,
) *SessionTimer {
	return &SessionTimer{
		config:    config,
		restorer:  restorer,
		notifier:  notifier,
		shared:    shared,
		emergency: emergency,
		logger:    logger,
		now:       time.Now,
		state:     StateIdle,
	}
}

// Start opens an unlock window: the shield is removed immediately and
// endTime is recorded as now + duration. A session already running is
// fully cancelled (timer halted, countdown surface cleared) before the
// new one starts; its reapply is skipped because the new session lifts
// the shield right away regardless.
func (t *SessionTimer) Start(sessionID string, duration time.Duration, kind domain.SessionKind) (domain.Session, error) {
	if duration <= 0 {
		return domain.Session{}, domain.E(domain.CodeSessionError,
			"session duration must be positive, got %s", duration)
	}
	if sessionID == "" {
		return domain.Session{}, domain.E(domain.CodeSessionError, "session id is empty")
	}

	t.haltCurrent()

	now := t.now()
	sess := domain.Session{
		SessionID: sessionID,
		StartTime: now,
		EndTime:   now.Add(duration),
		Kind:      kind,
		Active:    true,
	}

	// Shield comes down before the timer exists: if starting the tick
	// loop fails we are merely unshielded with a reconcilable snapshot,
	// never shielded with a live session.
	if err := t.restorer.RemoveBlocking(); err != nil {
		return domain.Session{}, err
	}

	t.begin(sess)

	t.logger.Info("session started",
		zap.String("session_id", sess.SessionID),
		zap.String("kind", string(sess.Kind)),
		zap.Duration("duration", duration))

	return sess, nil
}

// begin installs sess as the running session and launches its tick loop.
func (t *SessionTimer) begin(sess domain.Session) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.state = StateRunning
	t.session = &sess
	stop := make(chan struct{})
	done := make(chan struct{})
	t.stop, t.done = stop, done
	t.mu.Unlock()

	t.persistSnapshot(sess)
	if sess.Kind == domain.KindEmergency && t.emergency != nil {
		if err := t.emergency.MarkActive(sess.EndTime); err != nil {
			t.logger.Warn("failed to mark emergency active", zap.Error(err))
		}
	}

	t.publishCountdown(sess)

	go t.run(gen, sess, t.tickInterval(sess.Kind), stop, done)
}

func (t *SessionTimer) tickInterval(kind domain.SessionKind) time.Duration {
	if kind == domain.KindEmergency {
		return t.config.EmergencyTick
	}
	return t.config.StandardTick
}

// run is the periodic tick loop. It re-derives remaining time on every
// tick rather than counting ticks, so a delayed tick cannot stretch the
// unlock window.
func (t *SessionTimer) run(gen int64, sess domain.Session, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			if sess.Expired(t.now()) {
				t.expire(gen)
				return
			}
			t.publishCountdown(sess)
		}
	}
}

// expire transitions Running -> Expired. The shield is back in place
// before the countdown surface and the persisted snapshot are torn
// down; a stale generation (already cancelled or replaced) is a no-op,
// which makes expiry idempotent.
func (t *SessionTimer) expire(gen int64) {
	t.mu.Lock()
	if t.gen != gen || t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	t.state = StateExpired
	sess := *t.session
	t.session.Active = false
	t.mu.Unlock()

	if _, err := t.restorer.ReapplyBlocking(); err != nil {
		t.logger.Error("failed to reapply blocking on expiry", zap.Error(err))
	}

	t.teardown(sess)

	t.logger.Info("session expired",
		zap.String("session_id", sess.SessionID),
		zap.String("kind", string(sess.Kind)))
}

// Cancel explicitly stops the running session. The tick loop is halted
// synchronously before the reapply side effect so at most one reapply
// ever races to completion.
func (t *SessionTimer) Cancel(sessionID string) error {
	sess, err := t.detach(sessionID, StateCancelled)
	if err != nil {
		return err
	}

	if _, err := t.restorer.ReapplyBlocking(); err != nil {
		t.logger.Error("failed to reapply blocking on cancel", zap.Error(err))
		return err
	}

	t.teardown(sess)

	t.logger.Info("session cancelled", zap.String("session_id", sess.SessionID))
	return nil
}

// Shutdown halts any running session and discards its persisted
// snapshot, without restoring the shield. Used when the unlock itself
// is being torn down (disableAllRestrictions, indefinite override);
// process exit goes through Suspend instead.
func (t *SessionTimer) Shutdown() {
	sess, err := t.detach("", StateCancelled)
	if err != nil {
		return
	}
	t.teardown(sess)
}

// Suspend halts the tick loop for process exit while leaving the
// persisted snapshot and emergency markers in place. The next launch's
// ReconcileOnWake resumes a still-live window or expires a stale one;
// clearing the snapshot here would strand the apps unblocked with no
// session for anyone to reconcile. Only the countdown surface comes
// down, since nothing will update it.
func (t *SessionTimer) Suspend() {
	sess, err := t.detach("", StateCancelled)
	if err != nil {
		return
	}
	if err := t.notifier.ClearCountdown(); err != nil {
		t.logger.Debug("failed to clear countdown", zap.Error(err))
	}
	t.logger.Info("session suspended",
		zap.String("session_id", sess.SessionID),
		zap.Time("end_time", sess.EndTime))
}

// detach moves Running -> final state and synchronously stops the tick
// loop. Returns SESSION_NOT_FOUND when nothing is running or the id
// does not match.
func (t *SessionTimer) detach(sessionID string, final TimerState) (domain.Session, error) {
	t.mu.Lock()
	if t.state != StateRunning || t.session == nil {
		t.mu.Unlock()
		return domain.Session{}, domain.E(domain.CodeSessionNotFound, "no active session")
	}
	if sessionID != "" && t.session.SessionID != sessionID {
		id := t.session.SessionID
		t.mu.Unlock()
		return domain.Session{}, domain.E(domain.CodeSessionNotFound,
			"session %s is not active (current: %s)", sessionID, id)
	}
	t.state = final
	sess := *t.session
	t.session.Active = false
	t.gen++ // invalidates the loop's pending expire
	stop, done := t.stop, t.done
	t.mu.Unlock()

	close(stop)
	<-done

	return sess, nil
}

// haltCurrent stops a running session's timer and countdown surface
// without reapplying the shield (replacement case).
func (t *SessionTimer) haltCurrent() {
	sess, err := t.detach("", StateCancelled)
	if err != nil {
		return
	}
	t.teardown(sess)
	t.logger.Info("session replaced", zap.String("session_id", sess.SessionID))
}

// teardown clears the countdown surface and the persisted snapshot.
func (t *SessionTimer) teardown(sess domain.Session) {
	if err := t.notifier.ClearCountdown(); err != nil {
		t.logger.Debug("failed to clear countdown", zap.Error(err))
	}
	t.clearSnapshot()
	if sess.Kind == domain.KindEmergency && t.emergency != nil {
		if err := t.emergency.ClearActive(); err != nil {
			t.logger.Warn("failed to clear emergency markers", zap.Error(err))
		}
	}
}

// ReconcileOnWake runs once at launch/foreground to catch a session
// that expired while the process was suspended (the tick loop does not
// run then). A still-running persisted session is resumed; an expired
// one gets its shield reapplied before the snapshot is cleared.
func (t *SessionTimer) ReconcileOnWake() error {
	t.mu.Lock()
	running := t.state == StateRunning
	t.mu.Unlock()
	if running {
		return nil // live timer owns the state
	}

	end, ok := store.GetTimeMilli(t.shared, store.KeyActiveSessionEnd)
	if !ok {
		return nil
	}

	sessionID, _ := t.shared.Get(store.KeyActiveSessionID)
	kindValue, _ := t.shared.Get(store.KeyActiveSessionKind)
	kind := domain.SessionKind(kindValue)
	if kind == "" {
		kind = domain.KindWorkout
	}

	now := t.now()
	if now.Before(end) {
		// Process restarted mid-window: the unlock is still live, so
		// make sure this process's shield is down, then resume the
		// countdown against the original end time.
		if err := t.restorer.RemoveBlocking(); err != nil {
			return err
		}
		sess := domain.Session{
			SessionID: sessionID,
			StartTime: now,
			EndTime:   end,
			Kind:      kind,
			Active:    true,
		}
		t.begin(sess)
		t.logger.Info("session resumed after restart",
			zap.String("session_id", sessionID),
			zap.Duration("remaining", end.Sub(now)))
		return nil
	}

	// Expired while suspended: shield first, then tidy up.
	if _, err := t.restorer.ReapplyBlocking(); err != nil {
		return err
	}
	t.teardown(domain.Session{SessionID: sessionID, Kind: kind})

	t.logger.Info("expired session reconciled",
		zap.String("session_id", sessionID))
	return nil
}

// Snapshot returns the current session and timer state.
func (t *SessionTimer) Snapshot() (domain.Session, TimerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return domain.Session{}, t.state, false
	}
	return *t.session, t.state, true
}

// Remaining returns the time left in the running session.
func (t *SessionTimer) Remaining() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning || t.session == nil {
		return 0, false
	}
	return t.session.Remaining(t.now()), true
}

func (t *SessionTimer) publishCountdown(sess domain.Session) {
	remaining := sess.Remaining(t.now())
	if remaining < 0 {
		remaining = 0
	}
	if err := t.notifier.UpdateCountdown(int(remaining.Seconds())); err != nil {
		t.logger.Debug("failed to publish countdown", zap.Error(err))
	}
}

func (t *SessionTimer) persistSnapshot(sess domain.Session) {
	if err := t.shared.Put(store.KeyActiveSessionID, sess.SessionID); err != nil {
		t.logger.Warn("failed to persist session snapshot", zap.Error(err))
		return
	}
	_ = store.PutTimeMilli(t.shared, store.KeyActiveSessionEnd, sess.EndTime)
	_ = t.shared.Put(store.KeyActiveSessionKind, string(sess.Kind))
}

func (t *SessionTimer) clearSnapshot() {
	_ = t.shared.Delete(store.KeyActiveSessionID)
	_ = t.shared.Delete(store.KeyActiveSessionEnd)
	_ = t.shared.Delete(store.KeyActiveSessionKind)
}
