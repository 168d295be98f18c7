package infra

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
)

// ProcessShield implements domain.ShieldController by tracking the
// shielded set in memory and terminating matching processes on each
// enforcement pass. On this platform "shield" concretely means the
// target's processes are not allowed to keep running while the shield
// is up; the enforcement watcher calls EnforceOnce on an interval.
type ProcessShield struct {
	pm     domain.ProcessManager
	logger *zap.Logger

	mu      sync.Mutex
	active  bool
	targets []domain.BlockTarget
}

// NewProcessShield creates a shield controller backed by process enforcement.
func NewProcessShield(pm domain.ProcessManager, logger *zap.Logger) *ProcessShield {
	return &ProcessShield{pm: pm, logger: logger}
}

// Apply shields exactly the given targets, replacing any prior set.
// Tokens the primitive cannot act on are reported back per-token; a
// partially invalid selection still shields the valid remainder.
func (s *ProcessShield) Apply(targets []domain.BlockTarget) (int, []string, error) {
	valid := make([]domain.BlockTarget, 0, len(targets))
	var invalid []string

	for _, t := range targets {
		if !tokenUsable(t.PlatformIdentifier) {
			invalid = append(invalid, t.PlatformIdentifier)
			continue
		}
		valid = append(valid, t)
	}

	s.mu.Lock()
	s.targets = valid
	s.active = len(valid) > 0
	s.mu.Unlock()

	s.logger.Info("shield applied",
		zap.Int("shielded", len(valid)),
		zap.Int("invalid_tokens", len(invalid)))

	return len(valid), invalid, nil
}

// Clear lifts the shield entirely. The target list survives in the
// caller (enforcer) so the shield can be re-applied later.
func (s *ProcessShield) Clear() error {
	s.mu.Lock()
	s.active = false
	s.targets = nil
	s.mu.Unlock()

	s.logger.Info("shield cleared")
	return nil
}

// Active reports whether a shield is currently in place.
func (s *ProcessShield) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveTargets returns a copy of the currently shielded set.
func (s *ProcessShield) ActiveTargets() []domain.BlockTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BlockTarget, len(s.targets))
	copy(out, s.targets)
	return out
}

// EnforceOnce terminates processes of every shielded app target.
// Returns the number of processes killed. A no-op when the shield is down.
func (s *ProcessShield) EnforceOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	active := s.active
	targets := make([]domain.BlockTarget, len(s.targets))
	copy(targets, s.targets)
	s.mu.Unlock()

	if !active {
		return 0, nil
	}

	killed := 0
	for _, t := range targets {
		if t.Type != domain.TargetApp {
			// Category and website targets have no local process to
			// terminate; they are enforced by the platform layer.
			continue
		}
		if ctx.Err() != nil {
			return killed, ctx.Err()
		}

		pids, err := s.pm.FindByName(t.PlatformIdentifier)
		if err != nil {
			s.logger.Warn("failed to find processes",
				zap.String("target", t.ID),
				zap.Error(err))
			continue
		}

		for _, pid := range pids {
			if pid == s.pm.GetCurrentPID() {
				continue
			}
			if err := s.pm.Kill(pid); err != nil {
				s.logger.Warn("failed to kill process",
					zap.Int("pid", pid),
					zap.Error(err))
				continue
			}
			s.logger.Info("terminated shielded app",
				zap.String("target", t.ID),
				zap.Int("pid", pid))
			killed++
		}
	}

	return killed, nil
}

// tokenUsable reports whether a platform identifier can be enforced.
// Empty or whitespace-only tokens are the rejection case observed from
// the platform picker handing back stale selections.
func tokenUsable(token string) bool {
	return strings.TrimSpace(token) != ""
}

// Ensure ProcessShield implements domain.ShieldController.
var _ domain.ShieldController = (*ProcessShield)(nil)
