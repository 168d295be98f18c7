// Package usecase contains application business logic.
package usecase

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/store"
)

// teardownGrace is the bounded wait after tearing down a prior
// enforcement state before re-issuing the shield primitive. The
// primitive misbehaves when a new shield lands on top of one still
// being dismantled.
const teardownGrace = 300 * time.Millisecond

// ConfigureResult reports the outcome of a rule configuration pass.
// Failed rules carry the specific tokens the primitive could not use,
// so the UI can prompt re-selection.
type ConfigureResult struct {
	ConfiguredRules int
	FailedRules     map[string][]string
}

// Enforcer owns the authoritative "should be blocked" target list and
// drives the shield primitive. It implements the blocking contract:
// apply overwrites the shielded set, remove lifts the shield but keeps
// the list, reapply restores the last-known set (falling back to the
// persisted selection when memory is cold).
type Enforcer struct {
	shield domain.ShieldController
	rules  domain.RuleRepository
	shared domain.SharedStore
	logger *zap.Logger

	// sleep is swapped in tests to skip the teardown grace wait.
	sleep func(time.Duration)

	mu      sync.Mutex
	current []domain.BlockTarget
}

// NewEnforcer creates a blocking enforcer.
func NewEnforcer(
	shield domain.ShieldController,
	rules domain.RuleRepository,
	shared domain.SharedStore,
	logger *zap.Logger,
) *Enforcer {
	return &Enforcer{
		shield: shield,
		rules:  rules,
		shared: shared,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// ConfigureRules validates and persists blocking rules. Rules whose
// tokens cannot be used are reported individually in FailedRules and
// are not persisted; they must never silently degrade into a
// block-everything substitute.
func (e *Enforcer) ConfigureRules(rules []domain.BlockingRule) (*ConfigureResult, error) {
	result := &ConfigureResult{FailedRules: make(map[string][]string)}

	for _, rule := range rules {
		bad := invalidTokens(rule)
		if len(bad) > 0 {
			e.logger.Warn("rule rejected",
				zap.String("rule", rule.ID),
				zap.Strings("invalid_tokens", bad))
			result.FailedRules[rule.ID] = bad
			continue
		}

		if err := e.rules.Save(rule); err != nil {
			return nil, domain.Wrap(domain.CodeConfigError, err, "failed to persist rule %s", rule.ID)
		}
		result.ConfiguredRules++
	}

	e.logger.Info("rules configured",
		zap.Int("configured", result.ConfiguredRules),
		zap.Int("failed", len(result.FailedRules)))

	return result, nil
}

// ApplyBlocking resolves the given rules and instructs the shield to
// cover exactly that set, overwriting any previously shielded set.
// Returns the count shielded. Tokens the primitive rejects surface as a
// CONFIG_ERROR naming them; the valid remainder is still shielded.
func (e *Enforcer) ApplyBlocking(ruleIDs []string) (int, error) {
	targets, err := e.resolve(ruleIDs)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	count, err := e.applyLocked(targets)
	if err != nil {
		return count, err
	}

	if perr := e.persistSelection(targets); perr != nil {
		e.logger.Warn("failed to persist selection", zap.Error(perr))
	}
	return count, nil
}

// RemoveBlocking clears the shield entirely. The stored target list is
// kept so ReapplyBlocking can restore it.
func (e *Enforcer) RemoveBlocking() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.shield.Clear(); err != nil {
		return domain.Wrap(domain.CodeExtensionError, err, "failed to clear shield")
	}
	e.touchActionTimestamp()
	return nil
}

// ReapplyBlocking re-shields the last-known target set. If none is
// cached in memory, the last persisted selection is reloaded from the
// shared store.
func (e *Enforcer) ReapplyBlocking() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	targets := e.current
	if len(targets) == 0 {
		loaded, err := e.loadSelection()
		if err != nil {
			return 0, err
		}
		targets = loaded
	}

	if len(targets) == 0 {
		e.logger.Info("no selection to reapply")
		return 0, nil
	}

	return e.applyLocked(targets)
}

// DisableAll lifts the shield and forgets the selection, in memory and
// in the store. A later reapply is a no-op until rules are applied again.
func (e *Enforcer) DisableAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.shield.Clear(); err != nil {
		return domain.Wrap(domain.CodeExtensionError, err, "failed to clear shield")
	}
	e.current = nil
	if err := e.shared.Delete(store.KeyFamilyActivitySelection); err != nil {
		e.logger.Warn("failed to drop persisted selection", zap.Error(err))
	}
	e.touchActionTimestamp()
	return nil
}

// CurrentTargets returns a copy of the in-memory blocked set.
func (e *Enforcer) CurrentTargets() []domain.BlockTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.BlockTarget, len(e.current))
	copy(out, e.current)
	return out
}

// applyLocked drives the primitive. Caller holds e.mu.
func (e *Enforcer) applyLocked(targets []domain.BlockTarget) (int, error) {
	// The primitive needs a short grace period between dismantling one
	// enforcement state and creating the next.
	if e.shield.Active() {
		if err := e.shield.Clear(); err != nil {
			return 0, domain.Wrap(domain.CodeExtensionError, err, "failed to clear prior shield")
		}
		e.sleep(teardownGrace)
	}

	count, invalid, err := e.shield.Apply(targets)
	if err != nil {
		return 0, domain.Wrap(domain.CodeExtensionError, err, "shield primitive failed")
	}

	e.current = keepValid(targets, invalid)
	e.touchActionTimestamp()

	if len(invalid) > 0 {
		return count, domain.E(domain.CodeConfigError,
			"shield rejected tokens: %s", strings.Join(invalid, ", "))
	}
	return count, nil
}

// resolve expands rule IDs into block targets. An empty ID list means
// every persisted rule.
func (e *Enforcer) resolve(ruleIDs []string) ([]domain.BlockTarget, error) {
	var rules []domain.BlockingRule

	if len(ruleIDs) == 0 {
		all, err := e.rules.List()
		if err != nil {
			return nil, domain.Wrap(domain.CodeConfigError, err, "failed to load rules")
		}
		rules = all
	} else {
		for _, id := range ruleIDs {
			rule, err := e.rules.Get(id)
			if err != nil {
				return nil, err
			}
			rules = append(rules, *rule)
		}
	}

	var targets []domain.BlockTarget
	for _, rule := range rules {
		for _, token := range rule.TargetTokens {
			targets = append(targets, domain.BlockTarget{
				ID:                 rule.ID + "/" + token,
				Name:               token,
				Type:               rule.Type,
				PlatformIdentifier: token,
			})
		}
	}
	return targets, nil
}

// persistSelection writes the resolved selection blob to the shared
// store so a cold process (or the shield extension) can reload it.
func (e *Enforcer) persistSelection(targets []domain.BlockTarget) error {
	data, err := json.Marshal(targets)
	if err != nil {
		return err
	}
	return e.shared.Put(store.KeyFamilyActivitySelection, string(data))
}

func (e *Enforcer) loadSelection() ([]domain.BlockTarget, error) {
	blob, ok := e.shared.Get(store.KeyFamilyActivitySelection)
	if !ok {
		return nil, nil
	}
	var targets []domain.BlockTarget
	if err := json.Unmarshal([]byte(blob), &targets); err != nil {
		return nil, domain.Wrap(domain.CodeConfigError, err, "corrupt persisted selection")
	}
	return targets, nil
}

func (e *Enforcer) touchActionTimestamp() {
	if err := store.PutTime(e.shared, store.KeyShieldActionTimestamp, time.Now()); err != nil {
		e.logger.Warn("failed to record shield action timestamp", zap.Error(err))
	}
}

// invalidTokens returns the tokens of a rule the primitive cannot use.
// A rule with no tokens at all fails with a single empty-token marker.
func invalidTokens(rule domain.BlockingRule) []string {
	if len(rule.TargetTokens) == 0 {
		return []string{""}
	}
	var bad []string
	for _, token := range rule.TargetTokens {
		if strings.TrimSpace(token) == "" {
			bad = append(bad, token)
		}
	}
	return bad
}

// keepValid filters out targets whose identifiers were rejected.
func keepValid(targets []domain.BlockTarget, invalid []string) []domain.BlockTarget {
	if len(invalid) == 0 {
		out := make([]domain.BlockTarget, len(targets))
		copy(out, targets)
		return out
	}
	rejected := make(map[string]bool, len(invalid))
	for _, token := range invalid {
		rejected[token] = true
	}
	var out []domain.BlockTarget
	for _, t := range targets {
		if !rejected[t.PlatformIdentifier] {
			out = append(out, t)
		}
	}
	return out
}
