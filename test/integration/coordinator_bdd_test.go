//go:build integration

package integration

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/channel"
	"github.com/pushinapp/blockd/internal/daemon"
	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/infra"
	"github.com/pushinapp/blockd/internal/store"
	"github.com/pushinapp/blockd/internal/usecase"
)

// stubProcessManager keeps enforcement passes from touching real
// processes while the rest of the stack runs for real.
type stubProcessManager struct{}

func (stubProcessManager) FindByName(pattern string) ([]int, error) { return nil, nil }
func (stubProcessManager) Kill(pid int) error                       { return nil }
func (stubProcessManager) IsRunning(pid int) bool                   { return false }
func (stubProcessManager) GetCurrentPID() int                       { return os.Getpid() }

// stubRunner swallows notification commands; the desktop surface is not
// part of what this suite verifies.
type stubRunner struct{}

func (stubRunner) Run(name string, args ...string) error              { return nil }
func (stubRunner) Output(name string, args ...string) ([]byte, error) { return nil, nil }

var _ = Describe("Unlock Session Coordinator", func() {
	var (
		tmpDir   string
		shared   *store.FileStore
		shield   *infra.ProcessShield
		rules    domain.RuleRepository
		enforcer *usecase.Enforcer
		quota    *usecase.QuotaManager
		timer    *daemon.SessionTimer
		adapter  *channel.Adapter
	)

	callOK := func(method string, args map[string]any) map[string]any {
		env := adapter.Handle(context.Background(), method, args)
		Expect(env.Success).To(BeTrue(), "%s failed: %s", method, env.ErrorMessage)
		return env.Data
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "blockd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		logger := zap.NewNop()

		shared = store.NewFileStore(tmpDir + "/shared_store.json")

		key, err := infra.EnsureKey(infra.NewFileKeyProvider(tmpDir))
		Expect(err).NotTo(HaveOccurred())
		rules, err = infra.NewEncryptedRuleStore(tmpDir, key)
		Expect(err).NotTo(HaveOccurred())

		shield = infra.NewProcessShield(stubProcessManager{}, logger)
		enforcer = usecase.NewEnforcer(shield, rules, shared, logger)
		quota = usecase.NewQuotaManager(shared, 3, logger)
		gate := usecase.NewAuthGate(infra.NewFileConsentProvider(tmpDir), logger)
		notifier := infra.NewDesktopNotifierWithRunner(stubRunner{}, logger)

		timerConfig := daemon.TimerConfig{
			EmergencyTick: 20 * time.Millisecond,
			StandardTick:  20 * time.Millisecond,
		}
		timer = daemon.NewSessionTimer(timerConfig, enforcer, notifier, shared, quota, logger)

		bus := daemon.NewSignalBus(daemon.DefaultSignalBusConfig(), shared, notifier, nil, logger)
		adapter = channel.NewAdapter(gate, enforcer, quota, timer, bus, rules, logger)

		// Grant consent and install a blocking rule the scenarios share.
		callOK("requestAuthorization", map[string]any{"explanation": "integration"})
		callOK("configureBlockingRules", map[string]any{
			"rules": []any{
				map[string]any{"id": "social", "targetTokens": []any{"slack", "discord"}},
			},
		})
	})

	AfterEach(func() {
		timer.Shutdown()
		rules.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Focus session lifecycle", func() {
		It("opens an unlock window and restores the shield at expiry", func() {
			data := callOK("startFocusSession", map[string]any{
				"sessionId":       "focus-1",
				"durationMinutes": 1,
				"ruleIds":         []any{"social"},
			})
			Expect(data["kind"]).To(Equal("workout"))

			// The unlock window is open: the shield is down even though
			// the selection is installed.
			Expect(shield.Active()).To(BeFalse())

			// Cutting the session short restores the shield immediately.
			callOK("endFocusSession", map[string]any{"sessionId": "focus-1"})
			Expect(shield.Active()).To(BeTrue())
			Expect(shield.ActiveTargets()).To(HaveLen(2))
		})

		It("restores the shield when the timer runs out", func() {
			_, err := enforcer.ApplyBlocking([]string{"social"})
			Expect(err).NotTo(HaveOccurred())

			_, err = timer.Start("short-1", 60*time.Millisecond, domain.KindWorkout)
			Expect(err).NotTo(HaveOccurred())
			Expect(shield.Active()).To(BeFalse())

			// Shield still down mid-window.
			time.Sleep(20 * time.Millisecond)
			Expect(shield.Active()).To(BeFalse())

			Eventually(shield.Active, 2*time.Second, 10*time.Millisecond).Should(BeTrue())

			// The session snapshot is gone once expiry settles.
			Eventually(func() bool {
				_, ok := shared.Get(store.KeyActiveSessionID)
				return ok
			}, 2*time.Second, 10*time.Millisecond).Should(BeFalse())
		})

		It("carries a live session across a graceful restart", func() {
			callOK("startFocusSession", map[string]any{
				"sessionId":       "carry-1",
				"durationMinutes": 1,
				"ruleIds":         []any{"social"},
			})
			Expect(shield.Active()).To(BeFalse())

			// Graceful daemon exit: the tick loop stops, the snapshot stays.
			timer.Suspend()
			id, ok := shared.Get(store.KeyActiveSessionID)
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal("carry-1"))

			// Next launch picks the window back up without re-shielding.
			Expect(timer.ReconcileOnWake()).To(Succeed())
			sess, state, ok := timer.Snapshot()
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(daemon.StateRunning))
			Expect(sess.SessionID).To(Equal("carry-1"))
			Expect(shield.Active()).To(BeFalse())
		})

		It("reconciles a session left behind by a dead process", func() {
			_, err := enforcer.ApplyBlocking([]string{"social"})
			Expect(err).NotTo(HaveOccurred())

			// A previous process persisted a session and died before it
			// expired; this process finds only the store.
			Expect(shared.Put(store.KeyActiveSessionID, "orphan-1")).To(Succeed())
			Expect(store.PutTimeMilli(shared, store.KeyActiveSessionEnd, time.Now().Add(200*time.Millisecond))).To(Succeed())
			Expect(shared.Put(store.KeyActiveSessionKind, "workout")).To(Succeed())

			Expect(timer.ReconcileOnWake()).To(Succeed())

			// The live window resumed: shield down, session running.
			Expect(shield.Active()).To(BeFalse())
			sess, state, ok := timer.Snapshot()
			Expect(ok).To(BeTrue())
			Expect(state).To(Equal(daemon.StateRunning))
			Expect(sess.SessionID).To(Equal("orphan-1"))

			// And it still expires on the original schedule.
			Eventually(shield.Active, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
		})

		It("reapplies the shield for a session that expired while down", func() {
			_, err := enforcer.ApplyBlocking([]string{"social"})
			Expect(err).NotTo(HaveOccurred())
			Expect(enforcer.RemoveBlocking()).To(Succeed())
			Expect(shield.Active()).To(BeFalse())

			Expect(shared.Put(store.KeyActiveSessionID, "stale-1")).To(Succeed())
			Expect(store.PutTimeMilli(shared, store.KeyActiveSessionEnd, time.Now().Add(-time.Minute))).To(Succeed())
			Expect(shared.Put(store.KeyActiveSessionKind, "workout")).To(Succeed())

			Expect(timer.ReconcileOnWake()).To(Succeed())

			Expect(shield.Active()).To(BeTrue())
			_, ok := shared.Get(store.KeyActiveSessionID)
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Emergency unlock quota", func() {
		It("grants three unlocks per day and rejects the fourth", func() {
			for want := 2; want >= 0; want-- {
				data := callOK("startEmergencyUnlockTimer", map[string]any{"durationSeconds": 120})
				Expect(data["remaining"]).To(Equal(want))
				Expect(data["kind"]).To(Equal("emergency"))
			}

			env := adapter.Handle(context.Background(), "startEmergencyUnlockTimer",
				map[string]any{"durationSeconds": 120})
			Expect(env.Success).To(BeFalse())
			Expect(env.ErrorCode).To(Equal("SESSION_ERROR"))

			data := callOK("getEmergencyUnlockStatus", nil)
			Expect(data["usedToday"]).To(Equal(3))
			Expect(data["remaining"]).To(Equal(0))
			Expect(data["active"]).To(Equal(true))
		})

		It("marks the emergency window in the shared store for the shield extension", func() {
			callOK("startEmergencyUnlockTimer", map[string]any{"durationSeconds": 120})

			active, _ := shared.Get(store.KeyEmergencyUnlockActive)
			Expect(active).To(Equal("true"))
			expiry, ok := store.GetTime(shared, store.KeyEmergencyUnlockExpiry)
			Expect(ok).To(BeTrue())
			Expect(expiry).To(BeTemporally("~", time.Now().Add(2*time.Minute), 5*time.Second))
		})
	})

	Describe("Signal propagation", func() {
		It("turns a pending shield signal into a workout prompt exactly once", func() {
			Expect(shared.Put(store.KeyPendingNotificationID, "sig-int-1")).To(Succeed())
			Expect(store.PutTime(shared, store.KeyNotificationExpiresAt, time.Now().Add(time.Hour))).To(Succeed())

			data := callOK("checkPendingWorkoutNotification", nil)
			Expect(data["pending"]).To(Equal(true))
			Expect(data["notificationId"]).To(Equal("sig-int-1"))

			callOK("markNotificationShown", map[string]any{"notificationId": "sig-int-1"})

			data = callOK("checkPendingWorkoutNotification", nil)
			Expect(data["pending"]).To(Equal(false))

			// The consumed id reappearing in the store is still suppressed.
			Expect(shared.Put(store.KeyPendingNotificationID, "sig-int-1")).To(Succeed())
			data = callOK("checkPendingWorkoutNotification", nil)
			Expect(data["pending"]).To(Equal(false))
		})
	})
})
