// Package channel marshals coordinator operations across the method
// channel boundary to the UI layer: argument validation, dispatch, and
// the uniform success/error envelope.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pushinapp/blockd/internal/daemon"
	"github.com/pushinapp/blockd/internal/domain"
	"github.com/pushinapp/blockd/internal/usecase"
)

// Envelope is the uniform per-call response. Exactly one of Data or the
// error pair is populated.
type Envelope struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

func ok(data map[string]any) Envelope {
	return Envelope{Success: true, Data: data}
}

func fail(err error) Envelope {
	return Envelope{
		Success:      false,
		ErrorCode:    string(domain.CodeOf(err)),
		ErrorMessage: domain.MessageOf(err),
	}
}

// Adapter dispatches channel method calls to the coordinator. Every
// call validates its arguments before touching any component, so a
// validation failure has no partial side effects; callers treat any
// failure as "assume unchanged state, re-query before retrying."
type Adapter struct {
	gate     *usecase.AuthGate
	enforcer *usecase.Enforcer
	quota    *usecase.QuotaManager
	timer    *daemon.SessionTimer
	bus      *daemon.SignalBus
	rules    domain.RuleRepository
	logger   *zap.Logger
}

// NewAdapter creates the channel adapter.
func NewAdapter(
	gate *usecase.AuthGate,
	enforcer *usecase.Enforcer,
	quota *usecase.QuotaManager,
	timer *daemon.SessionTimer,
	bus *daemon.SignalBus,
	rules domain.RuleRepository,
	logger *zap.Logger,
) *Adapter {
	return &Adapter{
		gate:     gate,
		enforcer: enforcer,
		quota:    quota,
		timer:    timer,
		bus:      bus,
		rules:    rules,
		logger:   logger,
	}
}

// Handle dispatches a single method call.
func (a *Adapter) Handle(ctx context.Context, method string, args map[string]any) Envelope {
	a.logger.Debug("channel call", zap.String("method", method))

	switch method {
	case "getAuthorizationStatus":
		return a.getAuthorizationStatus()
	case "requestAuthorization":
		return a.requestAuthorization(ctx, args)
	case "configureBlockingRules":
		return a.configureBlockingRules(args)
	case "startFocusSession":
		return a.startFocusSession(args)
	case "endFocusSession":
		return a.endFocusSession(args)
	case "manualOverride":
		return a.manualOverride(args)
	case "disableAllRestrictions":
		return a.disableAllRestrictions()
	case "presentFamilyActivityPicker":
		return a.presentFamilyActivityPicker()
	case "removeBlocking":
		return a.removeBlocking()
	case "reapplyBlocking":
		return a.reapplyBlocking()
	case "checkPendingWorkoutNavigation":
		return a.checkPendingWorkoutNavigation()
	case "getEmergencyUnlockStatus":
		return a.getEmergencyUnlockStatus()
	case "startEmergencyUnlockTimer":
		return a.startEmergencyUnlockTimer(args)
	case "checkPendingWorkoutNotification":
		return a.checkPendingWorkoutNotification()
	case "markNotificationShown":
		return a.markNotificationShown(args)
	default:
		return fail(domain.E(domain.CodeInvalidArgs, "unknown method: %s", method))
	}
}

func (a *Adapter) getAuthorizationStatus() Envelope {
	status, err := a.gate.Status()
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"status":     string(status.Status),
		"canRequest": status.CanRequest,
	})
}

func (a *Adapter) requestAuthorization(ctx context.Context, args map[string]any) Envelope {
	explanation, err := stringArg(args, "explanation")
	if err != nil {
		return fail(err)
	}
	status, err := a.gate.Request(ctx, explanation)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"status": string(status)})
}

func (a *Adapter) configureBlockingRules(args map[string]any) Envelope {
	rules, err := rulesArg(args, "rules")
	if err != nil {
		return fail(err)
	}
	if err := a.gate.RequireApproved(); err != nil {
		return fail(err)
	}

	result, err := a.enforcer.ConfigureRules(rules)
	if err != nil {
		return fail(err)
	}

	failed := make(map[string]any, len(result.FailedRules))
	for id, tokens := range result.FailedRules {
		failed[id] = tokens
	}
	return ok(map[string]any{
		"configuredRules": result.ConfiguredRules,
		"failedRules":     failed,
	})
}

func (a *Adapter) startFocusSession(args map[string]any) Envelope {
	sessionID, err := stringArg(args, "sessionId")
	if err != nil {
		return fail(err)
	}
	minutes, err := intArg(args, "durationMinutes")
	if err != nil {
		return fail(err)
	}
	if minutes <= 0 {
		return fail(domain.E(domain.CodeInvalidArgs, "durationMinutes must be positive, got %d", minutes))
	}
	ruleIDs, err := stringSliceArg(args, "ruleIds")
	if err != nil {
		return fail(err)
	}
	if err := a.gate.RequireApproved(); err != nil {
		return fail(err)
	}

	// Install the selection the shield returns to at expiry. Token
	// failures abort before any timer exists.
	if _, err := a.enforcer.ApplyBlocking(ruleIDs); err != nil {
		return fail(err)
	}

	sess, err := a.timer.Start(sessionID, time.Duration(minutes)*time.Minute, domain.KindWorkout)
	if err != nil {
		return fail(err)
	}
	return ok(sessionData(sess))
}

func (a *Adapter) endFocusSession(args map[string]any) Envelope {
	sessionID, err := stringArg(args, "sessionId")
	if err != nil {
		return fail(err)
	}
	if err := a.timer.Cancel(sessionID); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"sessionId": sessionID})
}

func (a *Adapter) manualOverride(args map[string]any) Envelope {
	minutes, present, err := optIntArg(args, "durationMinutes")
	if err != nil {
		return fail(err)
	}
	if err := a.gate.RequireApproved(); err != nil {
		return fail(err)
	}

	if !present {
		// Indefinite override: shield down until explicitly restored. A
		// running session is halted first, otherwise its expiry would
		// re-shield and quietly end the override.
		a.timer.Shutdown()
		if err := a.enforcer.RemoveBlocking(); err != nil {
			return fail(err)
		}
		return ok(map[string]any{"mode": "indefinite"})
	}

	if minutes <= 0 {
		return fail(domain.E(domain.CodeInvalidArgs, "durationMinutes must be positive, got %d", minutes))
	}
	sess, err := a.timer.Start(uuid.NewString(), time.Duration(minutes)*time.Minute, domain.KindManual)
	if err != nil {
		return fail(err)
	}
	data := sessionData(sess)
	data["mode"] = "timed"
	return ok(data)
}

func (a *Adapter) disableAllRestrictions() Envelope {
	a.timer.Shutdown()
	if err := a.enforcer.DisableAll(); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"disabled": true})
}

func (a *Adapter) presentFamilyActivityPicker() Envelope {
	if err := a.gate.RequireApproved(); err != nil {
		return fail(err)
	}

	rules, err := a.rules.List()
	if err != nil {
		return fail(domain.Wrap(domain.CodeConfigError, err, "failed to load rules"))
	}

	catalog := make([]map[string]any, 0, len(defaultCategories))
	for _, c := range defaultCategories {
		catalog = append(catalog, targetData(c))
	}

	selection := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		selection = append(selection, map[string]any{
			"id":           rule.ID,
			"type":         string(rule.Type),
			"targetTokens": rule.TargetTokens,
		})
	}

	return ok(map[string]any{
		"categories": catalog,
		"rules":      selection,
	})
}

func (a *Adapter) removeBlocking() Envelope {
	if err := a.enforcer.RemoveBlocking(); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"removed": true})
}

func (a *Adapter) reapplyBlocking() Envelope {
	count, err := a.enforcer.ReapplyBlocking()
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"shielded": count})
}

func (a *Adapter) checkPendingWorkoutNavigation() Envelope {
	return ok(map[string]any{"shouldNavigate": a.bus.CheckPendingNavigation()})
}

func (a *Adapter) getEmergencyUnlockStatus() Envelope {
	status, err := a.quota.Status()
	if err != nil {
		return fail(err)
	}
	data := map[string]any{
		"usedToday": status.Quota.UsedToday,
		"maxPerDay": status.Quota.MaxPerDay,
		"remaining": status.Quota.Remaining(),
		"active":    status.Active,
	}
	if status.Active {
		data["expiresAt"] = status.Expiry.Unix()
	}
	return ok(data)
}

func (a *Adapter) startEmergencyUnlockTimer(args map[string]any) Envelope {
	seconds, err := intArg(args, "durationSeconds")
	if err != nil {
		return fail(err)
	}
	if seconds <= 0 {
		return fail(domain.E(domain.CodeInvalidArgs, "durationSeconds must be positive, got %d", seconds))
	}
	if err := a.gate.RequireApproved(); err != nil {
		return fail(err)
	}

	quota, err := a.quota.Consume()
	if err != nil {
		return fail(err)
	}

	sess, err := a.timer.Start(uuid.NewString(), time.Duration(seconds)*time.Second, domain.KindEmergency)
	if err != nil {
		// No unlock was delivered, so the credit goes back.
		if rerr := a.quota.Refund(); rerr != nil {
			a.logger.Warn("failed to refund emergency unlock", zap.Error(rerr))
		}
		return fail(err)
	}

	data := sessionData(sess)
	data["remaining"] = quota.Remaining()
	return ok(data)
}

func (a *Adapter) checkPendingWorkoutNotification() Envelope {
	signal, pending := a.bus.CheckPendingNotification()
	data := map[string]any{"pending": pending}
	if pending {
		data["notificationId"] = signal.ID
		data["expiresAt"] = signal.ExpiresAt.Unix()
	}
	return ok(data)
}

func (a *Adapter) markNotificationShown(args map[string]any) Envelope {
	id, err := stringArg(args, "notificationId")
	if err != nil {
		return fail(err)
	}
	if err := a.bus.MarkNotificationShown(id); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"notificationId": id})
}

func sessionData(sess domain.Session) map[string]any {
	return map[string]any{
		"sessionId": sess.SessionID,
		"kind":      string(sess.Kind),
		"startTime": sess.StartTime.Unix(),
		"endTime":   sess.EndTime.Unix(),
	}
}

func targetData(t domain.BlockTarget) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"name":               t.Name,
		"type":               string(t.Type),
		"platformIdentifier": t.PlatformIdentifier,
	}
}

// defaultCategories is the built-in picker catalog. The platform app
// inventory is not enumerable from here; categories are, and app
// targets arrive through selections the picker UI hands back.
var defaultCategories = []domain.BlockTarget{
	{ID: "cat.social", Name: "Social", Type: domain.TargetCategory, PlatformIdentifier: "category.social"},
	{ID: "cat.games", Name: "Games", Type: domain.TargetCategory, PlatformIdentifier: "category.games"},
	{ID: "cat.entertainment", Name: "Entertainment", Type: domain.TargetCategory, PlatformIdentifier: "category.entertainment"},
	{ID: "cat.news", Name: "News", Type: domain.TargetCategory, PlatformIdentifier: "category.news"},
	{ID: "cat.shopping", Name: "Shopping", Type: domain.TargetCategory, PlatformIdentifier: "category.shopping"},
}

// Argument validation helpers. All failures are INVALID_ARGS and occur
// before any dispatch side effect.

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", domain.E(domain.CodeInvalidArgs, "missing required argument: %s", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", domain.E(domain.CodeInvalidArgs, "argument %s must be a non-empty string", name)
	}
	return s, nil
}

func intArg(args map[string]any, name string) (int, error) {
	v, ok := args[name]
	if !ok {
		return 0, domain.E(domain.CodeInvalidArgs, "missing required argument: %s", name)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, domain.E(domain.CodeInvalidArgs, "argument %s must be an integer", name)
	}
	return n, nil
}

func optIntArg(args map[string]any, name string) (int, bool, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, err := toInt(v)
	if err != nil {
		return 0, false, domain.E(domain.CodeInvalidArgs, "argument %s must be an integer", name)
	}
	return n, true, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		// JSON numbers decode as float64.
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

func stringSliceArg(args map[string]any, name string) ([]string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, domain.E(domain.CodeInvalidArgs, "argument %s must be a list of strings", name)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, domain.E(domain.CodeInvalidArgs, "argument %s must be a list of strings", name)
	}
}

func rulesArg(args map[string]any, name string) ([]domain.BlockingRule, error) {
	v, ok := args[name]
	if !ok {
		return nil, domain.E(domain.CodeInvalidArgs, "missing required argument: %s", name)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, domain.E(domain.CodeInvalidArgs, "argument %s must be a list of rules", name)
	}

	rules := make([]domain.BlockingRule, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, domain.E(domain.CodeInvalidArgs, "rule %d must be an object", i)
		}
		id, ok := m["id"].(string)
		if !ok || id == "" {
			return nil, domain.E(domain.CodeInvalidArgs, "rule %d is missing an id", i)
		}
		typ, _ := m["type"].(string)
		if typ == "" {
			typ = string(domain.TargetApp)
		}
		tokens, err := stringSliceArg(m, "targetTokens")
		if err != nil {
			return nil, err
		}
		rules = append(rules, domain.BlockingRule{
			ID:           id,
			Type:         domain.TargetType(typ),
			TargetTokens: tokens,
		})
	}
	return rules, nil
}
