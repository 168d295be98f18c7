package usecase

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/store"
)

const quotaDateLayout = "2006-01-02"

// EmergencyStatus is the full emergency-unlock view: quota plus whether
// an emergency session is currently holding the shield open.
type EmergencyStatus struct {
	Quota  domain.EmergencyUnlockQuota
	Active bool
	Expiry time.Time
}

// QuotaManager tracks daily emergency unlock usage in the shared store.
// The counter resets exactly once when the local date crosses midnight:
// the reset is persisted the first time it is observed.
type QuotaManager struct {
	shared    domain.SharedStore
	maxPerDay int
	logger    *zap.Logger

	// now is swapped in tests to cross the midnight boundary.
	now func() time.Time

	mu sync.Mutex
}

// NewQuotaManager creates a quota manager with the given daily limit.
func NewQuotaManager(shared domain.SharedStore, maxPerDay int, logger *zap.Logger) *QuotaManager {
	return &QuotaManager{
		shared:    shared,
		maxPerDay: maxPerDay,
		logger:    logger,
		now:       time.Now,
	}
}

// Status returns the current quota and active emergency session state.
func (q *QuotaManager) Status() (EmergencyStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	quota, err := q.loadLocked()
	if err != nil {
		return EmergencyStatus{}, err
	}

	status := EmergencyStatus{Quota: quota}
	if store.GetBool(q.shared, store.KeyEmergencyUnlockActive) {
		expiry, ok := store.GetTime(q.shared, store.KeyEmergencyUnlockExpiry)
		if ok && q.now().Before(expiry) {
			status.Active = true
			status.Expiry = expiry
		}
	}
	return status, nil
}

// Consume spends one emergency unlock. Rejected with a SESSION_ERROR
// once the daily limit is reached; the caller sees remaining=0.
func (q *QuotaManager) Consume() (domain.EmergencyUnlockQuota, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	quota, err := q.loadLocked()
	if err != nil {
		return quota, err
	}

	if quota.UsedToday >= quota.MaxPerDay {
		return quota, domain.E(domain.CodeSessionError,
			"emergency unlock quota exhausted (%d/%d used today)", quota.UsedToday, quota.MaxPerDay)
	}

	quota.UsedToday++
	if err := q.persistLocked(quota); err != nil {
		return quota, err
	}

	q.logger.Info("emergency unlock consumed",
		zap.Int("used_today", quota.UsedToday),
		zap.Int("max_per_day", quota.MaxPerDay))

	return quota, nil
}

// Refund returns one unlock to today's quota. Called when Consume
// succeeded but the unlock session never started, so the user keeps
// the credit. A no-op at zero.
func (q *QuotaManager) Refund() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	quota, err := q.loadLocked()
	if err != nil {
		return err
	}
	if quota.UsedToday == 0 {
		return nil
	}

	quota.UsedToday--
	if err := q.persistLocked(quota); err != nil {
		return err
	}

	q.logger.Info("emergency unlock refunded", zap.Int("used_today", quota.UsedToday))
	return nil
}

// MarkActive records that an emergency session holds the shield open
// until expiry. Written to the shared store so the shield extension
// stays out of the way while the unlock is live.
func (q *QuotaManager) MarkActive(expiry time.Time) error {
	if err := store.PutBool(q.shared, store.KeyEmergencyUnlockActive, true); err != nil {
		return err
	}
	return store.PutTime(q.shared, store.KeyEmergencyUnlockExpiry, expiry)
}

// ClearActive removes the active emergency markers.
func (q *QuotaManager) ClearActive() error {
	if err := q.shared.Delete(store.KeyEmergencyUnlockActive); err != nil {
		return err
	}
	return q.shared.Delete(store.KeyEmergencyUnlockExpiry)
}

// loadLocked reads the quota, applying (and persisting) the daily reset
// the first time a new local date is observed. Caller holds q.mu.
func (q *QuotaManager) loadLocked() (domain.EmergencyUnlockQuota, error) {
	today := q.now().Format(quotaDateLayout)

	quota := domain.EmergencyUnlockQuota{
		MaxPerDay: q.maxPerDay,
		ResetDate: today,
	}

	resetDate, _ := q.shared.Get(store.KeyEmergencyUnlockResetDate)
	used, _ := store.GetInt64(q.shared, store.KeyEmergencyUnlocksUsedToday)

	if resetDate == today {
		quota.UsedToday = clampUsed(int(used), q.maxPerDay)
		return quota, nil
	}

	// Date crossed (or first use): reset once and persist immediately so
	// concurrent readers see the reset exactly once.
	quota.UsedToday = 0
	if err := q.persistLocked(quota); err != nil {
		return quota, err
	}
	if resetDate != "" {
		q.logger.Info("emergency quota reset",
			zap.String("previous_date", resetDate),
			zap.String("reset_date", today))
	}
	return quota, nil
}

func (q *QuotaManager) persistLocked(quota domain.EmergencyUnlockQuota) error {
	if err := store.PutInt64(q.shared, store.KeyEmergencyUnlocksUsedToday, int64(quota.UsedToday)); err != nil {
		return err
	}
	return q.shared.Put(store.KeyEmergencyUnlockResetDate, quota.ResetDate)
}

func clampUsed(used, max int) int {
	if used < 0 {
		return 0
	}
	if used > max {
		return max
	}
	return used
}
