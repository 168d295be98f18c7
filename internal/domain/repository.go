package domain

import "context"

// SharedStore is the cross-process key/value mailbox used as the only
// communication channel between the main process, the shield extension
// and the notification extension.
//
// Semantics are last-writer-wins per key with no transactions and no
// ordering guarantee between writers. Readers must tolerate a consumed
// signal briefly reappearing as pending; nothing here is atomic across
// keys.
type SharedStore interface {
	// Get returns the value for key, and whether it was present.
	Get(key string) (string, bool)

	// Put stores value under key, overwriting any previous writer.
	Put(key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// ShieldController wraps the OS shielding primitive.
// Apply covers exactly the given set (not additive); Clear lifts the
// shield entirely. Invalid tokens are reported per-token so the caller
// can surface them for re-selection - never swallowed.
type ShieldController interface {
	// Apply shields exactly the given targets. Returns the count shielded
	// and the platform identifiers the primitive rejected as invalid.
	Apply(targets []BlockTarget) (shielded int, invalid []string, err error)

	// Clear lifts the shield entirely.
	Clear() error

	// Active reports whether a shield is currently in place.
	Active() bool

	// ActiveTargets returns the currently shielded set.
	ActiveTargets() []BlockTarget
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// RuleRepository provides persistent storage for blocking rules.
// Selection data is privacy sensitive, so the backing store is
// encrypted at rest.
type RuleRepository interface {
	// Save persists a rule, replacing any rule with the same ID.
	Save(rule BlockingRule) error

	// Get returns the rule with the given ID.
	Get(id string) (*BlockingRule, error)

	// List returns all persisted rules.
	List() ([]BlockingRule, error)

	// Delete removes a rule by ID.
	Delete(id string) error

	// Close releases resources (e.g., database connection).
	Close() error
}

// NotificationScheduler presents local notifications.
type NotificationScheduler interface {
	// ScheduleWorkoutReminder presents a WORKOUT_REMINDER notification
	// with START_WORKOUT / LATER actions.
	ScheduleWorkoutReminder(id string) error

	// UpdateCountdown replaces the UNLOCK_TIMER countdown surface in
	// place (single persistent id, silent, passive priority).
	UpdateCountdown(remainingSeconds int) error

	// ClearCountdown removes the countdown surface.
	ClearCountdown() error
}

// ConsentProvider wraps the OS consent flow for shield authorization.
type ConsentProvider interface {
	// Status returns the current consent state.
	Status() (AuthorizationStatus, error)

	// Request prompts the user with an explanation and returns the
	// resulting state. Must be safe to call repeatedly.
	Request(ctx context.Context, explanation string) (AuthorizationStatus, error)
}

// KeyProvider abstracts the source of encryption keys for the rule store.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
