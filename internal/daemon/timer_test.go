package daemon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/store"
)

// memStore implements domain.SharedStore in memory for testing
type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string]string)}
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *memStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// eventLog records the order of shield and notification side effects so
// tests can assert reapply-before-teardown ordering.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == event {
			n++
		}
	}
	return n
}

// mockRestorer implements Restorer for testing
type mockRestorer struct {
	log       *eventLog
	removeErr error
}

func (m *mockRestorer) RemoveBlocking() error {
	if m.removeErr != nil {
		return m.removeErr
	}
	m.log.record("remove")
	return nil
}

func (m *mockRestorer) ReapplyBlocking() (int, error) {
	m.log.record("reapply")
	return 1, nil
}

// mockNotifier implements domain.NotificationScheduler for testing
type mockNotifier struct {
	log         *eventLog
	mu          sync.Mutex
	reminders   []string
	scheduleErr error
}

func (m *mockNotifier) ScheduleWorkoutReminder(id string) error {
	if m.scheduleErr != nil {
		return m.scheduleErr
	}
	m.mu.Lock()
	m.reminders = append(m.reminders, id)
	m.mu.Unlock()
	if m.log != nil {
		m.log.record("reminder")
	}
	return nil
}

func (m *mockNotifier) UpdateCountdown(remainingSeconds int) error {
	if m.log != nil {
		m.log.record("countdown")
	}
	return nil
}

func (m *mockNotifier) ClearCountdown() error {
	if m.log != nil {
		m.log.record("clear_countdown")
	}
	return nil
}

func (m *mockNotifier) reminderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reminders...)
}

// mockEmergency implements EmergencyMarker for testing
type mockEmergency struct {
	mu     sync.Mutex
	active bool
	expiry time.Time
	marks  int
	clears int
}

func (m *mockEmergency) MarkActive(expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	m.expiry = expiry
	m.marks++
	return nil
}

func (m *mockEmergency) ClearActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.clears++
	return nil
}

func (m *mockEmergency) isActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

type timerFixture struct {
	timer    *SessionTimer
	restorer *mockRestorer
	notifier *mockNotifier
	marker   *mockEmergency
	shared   *memStore
	log      *eventLog
}

func newTimerFixture(t *testing.T) *timerFixture {
	t.Helper()
	log := &eventLog{}
	f := &timerFixture{
		restorer: &mockRestorer{log: log},
		notifier: &mockNotifier{log: log},
		marker:   &mockEmergency{},
		shared:   newMemStore(),
		log:      log,
	}
	config := TimerConfig{
		EmergencyTick: 10 * time.Millisecond,
		StandardTick:  10 * time.Millisecond,
	}
	f.timer = NewSessionTimer(config, f.restorer, f.notifier, f.shared, f.marker, zap.NewNop())
	t.Cleanup(f.timer.Shutdown)
	return f
}

// TestTimer_StartValidation verifies rejected inputs
func TestTimer_StartValidation(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("s1", 0, domain.KindWorkout)
	require.Error(t, err)
	assert.Equal(t, domain.CodeSessionError, domain.CodeOf(err))

	_, err = f.timer.Start("s1", -time.Minute, domain.KindWorkout)
	require.Error(t, err)

	_, err = f.timer.Start("", time.Minute, domain.KindWorkout)
	require.Error(t, err)
	assert.Equal(t, domain.CodeSessionError, domain.CodeOf(err))
}

// TestTimer_StartOpensWindow verifies the shield drops immediately and
// the end time is anchored to the start call.
func TestTimer_StartOpensWindow(t *testing.T) {
	f := newTimerFixture(t)

	before := time.Now()
	sess, err := f.timer.Start("s1", time.Hour, domain.KindWorkout)
	require.NoError(t, err)

	assert.Equal(t, 1, f.log.count("remove"))
	assert.WithinDuration(t, before.Add(time.Hour), sess.EndTime, time.Second)

	_, state, ok := f.timer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)

	remaining, ok := f.timer.Remaining()
	require.True(t, ok)
	assert.Greater(t, remaining, 59*time.Minute)

	// Snapshot persisted for reconciliation after a crash.
	id, ok := f.shared.Get(store.KeyActiveSessionID)
	require.True(t, ok)
	assert.Equal(t, "s1", id)
	end, ok := store.GetTimeMilli(f.shared, store.KeyActiveSessionEnd)
	require.True(t, ok)
	assert.WithinDuration(t, sess.EndTime, end, time.Millisecond)
}

// TestTimer_ExpiryRestoresShieldOnce verifies expiry reapplies blocking
// exactly once, before the countdown surface is torn down.
func TestTimer_ExpiryRestoresShieldOnce(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("s1", 30*time.Millisecond, domain.KindWorkout)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, state, _ := f.timer.Snapshot()
		return state == StateExpired
	}, 2*time.Second, 5*time.Millisecond)

	// Give any straggling ticks a chance to double-fire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.log.count("reapply"))

	// Reapply happened before the countdown surface came down.
	events := f.log.snapshot()
	reapplyAt, clearAt := -1, -1
	for i, e := range events {
		if e == "reapply" && reapplyAt == -1 {
			reapplyAt = i
		}
		if e == "clear_countdown" && clearAt == -1 {
			clearAt = i
		}
	}
	require.GreaterOrEqual(t, reapplyAt, 0)
	require.GreaterOrEqual(t, clearAt, 0)
	assert.Less(t, reapplyAt, clearAt)

	// Snapshot cleared.
	_, ok := f.shared.Get(store.KeyActiveSessionID)
	assert.False(t, ok)
}

// TestTimer_CancelRestoresShield verifies explicit cancellation
func TestTimer_CancelRestoresShield(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("s1", time.Hour, domain.KindWorkout)
	require.NoError(t, err)

	require.NoError(t, f.timer.Cancel("s1"))

	assert.Equal(t, 1, f.log.count("reapply"))
	_, state, _ := f.timer.Snapshot()
	assert.Equal(t, StateCancelled, state)

	// Cancel after cancel: nothing is running.
	err = f.timer.Cancel("s1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeSessionNotFound, domain.CodeOf(err))
}

// TestTimer_CancelWrongID verifies id mismatch is SESSION_NOT_FOUND
// and leaves the running session untouched.
func TestTimer_CancelWrongID(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("s1", time.Hour, domain.KindWorkout)
	require.NoError(t, err)

	err = f.timer.Cancel("other")
	require.Error(t, err)
	assert.Equal(t, domain.CodeSessionNotFound, domain.CodeOf(err))

	_, state, _ := f.timer.Snapshot()
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, 0, f.log.count("reapply"))
}

// TestTimer_ReplacementSkipsReapply verifies starting a new session over
// a running one halts the old timer without an intermediate re-shield.
func TestTimer_ReplacementSkipsReapply(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("s1", time.Hour, domain.KindWorkout)
	require.NoError(t, err)

	sess2, err := f.timer.Start("s2", 30*time.Minute, domain.KindEmergency)
	require.NoError(t, err)

	assert.Equal(t, 0, f.log.count("reapply"))

	got, state, ok := f.timer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, "s2", got.SessionID)
	assert.Equal(t, sess2.SessionID, got.SessionID)

	// The old session's expiry can no longer fire even if its tick loop
	// was mid-expire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.log.count("reapply"))
}

// TestTimer_ShutdownNoReapply verifies Shutdown halts without re-shielding
func TestTimer_ShutdownNoReapply(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("s1", time.Hour, domain.KindWorkout)
	require.NoError(t, err)

	f.timer.Shutdown()

	assert.Equal(t, 0, f.log.count("reapply"))
	_, ok := f.shared.Get(store.KeyActiveSessionID)
	assert.False(t, ok)

	// Idempotent.
	f.timer.Shutdown()
}

// TestTimer_SuspendKeepsSnapshot verifies process-exit suspension halts
// the tick loop but leaves the persisted session for the next launch to
// reconcile; the apps must never end up unblocked with no session.
func TestTimer_SuspendKeepsSnapshot(t *testing.T) {
	f := newTimerFixture(t)

	sess, err := f.timer.Start("s1", time.Hour, domain.KindEmergency)
	require.NoError(t, err)

	f.timer.Suspend()

	assert.Equal(t, 0, f.log.count("reapply"))

	id, ok := f.shared.Get(store.KeyActiveSessionID)
	require.True(t, ok, "snapshot must survive suspension")
	assert.Equal(t, "s1", id)
	end, ok := store.GetTimeMilli(f.shared, store.KeyActiveSessionEnd)
	require.True(t, ok)
	assert.WithinDuration(t, sess.EndTime, end, time.Millisecond)
	assert.True(t, f.marker.isActive(), "emergency markers survive suspension")

	// The next launch resumes the window from the snapshot alone.
	require.NoError(t, f.timer.ReconcileOnWake())
	got, state, ok := f.timer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, "s1", got.SessionID)

	// Idempotent.
	f.timer.Suspend()
	f.timer.Suspend()
}

// TestTimer_EmergencyMarkers verifies emergency sessions flip the
// active-emergency markers around the session lifecycle.
func TestTimer_EmergencyMarkers(t *testing.T) {
	f := newTimerFixture(t)

	_, err := f.timer.Start("e1", time.Hour, domain.KindEmergency)
	require.NoError(t, err)
	assert.True(t, f.marker.isActive())

	require.NoError(t, f.timer.Cancel("e1"))
	assert.False(t, f.marker.isActive())
	assert.Equal(t, 1, f.marker.clears)
}

// TestTimer_ReconcileExpired verifies a snapshot whose end time already
// passed gets its shield reapplied and the snapshot cleared.
func TestTimer_ReconcileExpired(t *testing.T) {
	f := newTimerFixture(t)

	require.NoError(t, f.shared.Put(store.KeyActiveSessionID, "stale"))
	require.NoError(t, store.PutTimeMilli(f.shared, store.KeyActiveSessionEnd, time.Now().Add(-time.Minute)))
	require.NoError(t, f.shared.Put(store.KeyActiveSessionKind, string(domain.KindWorkout)))

	require.NoError(t, f.timer.ReconcileOnWake())

	assert.Equal(t, 1, f.log.count("reapply"))
	_, ok := f.shared.Get(store.KeyActiveSessionID)
	assert.False(t, ok)
}

// TestTimer_ReconcileResumes verifies a still-live snapshot resumes the
// countdown with the shield down.
func TestTimer_ReconcileResumes(t *testing.T) {
	f := newTimerFixture(t)

	end := time.Now().Add(30 * time.Minute)
	require.NoError(t, f.shared.Put(store.KeyActiveSessionID, "live"))
	require.NoError(t, store.PutTimeMilli(f.shared, store.KeyActiveSessionEnd, end))
	require.NoError(t, f.shared.Put(store.KeyActiveSessionKind, string(domain.KindEmergency)))

	require.NoError(t, f.timer.ReconcileOnWake())

	assert.Equal(t, 1, f.log.count("remove"))
	assert.Equal(t, 0, f.log.count("reapply"))

	sess, state, ok := f.timer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, "live", sess.SessionID)
	assert.Equal(t, domain.KindEmergency, sess.Kind)
	assert.WithinDuration(t, end, sess.EndTime, time.Second)
	assert.True(t, f.marker.isActive())
}

// TestTimer_ReconcileSubSecondRemainder verifies a snapshot whose end
// lands inside the next second still resumes instead of being treated
// as expired; the persisted deadline keeps millisecond precision.
func TestTimer_ReconcileSubSecondRemainder(t *testing.T) {
	f := newTimerFixture(t)

	require.NoError(t, f.shared.Put(store.KeyActiveSessionID, "brief"))
	require.NoError(t, store.PutTimeMilli(f.shared, store.KeyActiveSessionEnd, time.Now().Add(500*time.Millisecond)))
	require.NoError(t, f.shared.Put(store.KeyActiveSessionKind, string(domain.KindWorkout)))

	require.NoError(t, f.timer.ReconcileOnWake())

	assert.Equal(t, 1, f.log.count("remove"))
	_, state, ok := f.timer.Snapshot()
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)

	// And the remainder still runs to its natural expiry.
	assert.Eventually(t, func() bool {
		_, state, _ := f.timer.Snapshot()
		return state == StateExpired
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.log.count("reapply"))
}

// TestTimer_ReconcileNoSnapshot verifies reconciliation is a no-op with
// nothing persisted and with a timer already running.
func TestTimer_ReconcileNoSnapshot(t *testing.T) {
	f := newTimerFixture(t)

	require.NoError(t, f.timer.ReconcileOnWake())
	assert.Equal(t, 0, f.log.count("reapply"))

	_, err := f.timer.Start("s1", time.Hour, domain.KindWorkout)
	require.NoError(t, err)

	// Live timer owns the state; reconcile must not touch it.
	require.NoError(t, f.timer.ReconcileOnWake())
	sess, state, _ := f.timer.Snapshot()
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, "s1", sess.SessionID)
}
