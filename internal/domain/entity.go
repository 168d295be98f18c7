// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// TargetType identifies what kind of thing a block target points at.
type TargetType string

const (
	TargetApp      TargetType = "app"
	TargetCategory TargetType = "category"
	TargetWebsite  TargetType = "website"
)

// BlockTarget identifies something that can be shielded.
// Immutable once created; equality is by ID.
type BlockTarget struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Type               TargetType `json:"type"`
	PlatformIdentifier string     `json:"platform_identifier"`
}

// BlockingRule is a named group of targets to shield together.
// Created by user selection, persisted, consumed by the enforcer.
type BlockingRule struct {
	ID           string     `json:"id"`
	Type         TargetType `json:"type"`
	TargetTokens []string   `json:"target_tokens"`
}

// SessionKind distinguishes how an unlock window was earned.
type SessionKind string

const (
	KindWorkout   SessionKind = "workout"
	KindEmergency SessionKind = "emergency"
	KindManual    SessionKind = "manual"
)

// Session is a bounded time window during which the shield is suspended.
// Created on workout completion or emergency override; mutated only by
// the session timer; removed from the active set on expiry or cancel.
// At most one session drives the shield state at a time.
type Session struct {
	SessionID string      `json:"session_id"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Kind      SessionKind `json:"kind"`
	Active    bool        `json:"active"`
}

// Remaining returns how much unlock time is left at the given instant.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.EndTime.Sub(now)
}

// Expired reports whether the session's unlock window has elapsed.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.EndTime)
}

// EmergencyUnlockQuota tracks daily emergency unlock usage.
// Reset at the local-midnight boundary. Invariant: 0 <= UsedToday <= MaxPerDay.
type EmergencyUnlockQuota struct {
	UsedToday int    `json:"used_today"`
	MaxPerDay int    `json:"max_per_day"`
	ResetDate string `json:"reset_date"` // local date, "2006-01-02"
}

// Remaining returns how many emergency unlocks are left today.
func (q EmergencyUnlockQuota) Remaining() int {
	r := q.MaxPerDay - q.UsedToday
	if r < 0 {
		return 0
	}
	return r
}

// SignalKind identifies the class of a cross-process signal.
type SignalKind string

const (
	// SignalWorkoutReminder asks the main app to offer a workout when the
	// user tapped "earn screen time" on the shield surface.
	SignalWorkoutReminder SignalKind = "workout_reminder"
)

// PendingSignal is a cross-process flag written by the shield extension
// into the shared store. Consumed at-most-once per consumer via a
// last-seen id marker.
type PendingSignal struct {
	ID        string     `json:"id"`
	Kind      SignalKind `json:"kind"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the signal should be discarded without action.
func (p PendingSignal) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AuthorizationStatus mirrors the platform consent states.
type AuthorizationStatus string

const (
	AuthApproved      AuthorizationStatus = "approved"
	AuthDenied        AuthorizationStatus = "denied"
	AuthNotDetermined AuthorizationStatus = "notDetermined"
	AuthRestricted    AuthorizationStatus = "restricted"
)

// CanRequest reports whether the user can be (re-)prompted for consent.
// Denied and notDetermined are re-promptable; approved and restricted are not.
func (a AuthorizationStatus) CanRequest() bool {
	return a == AuthDenied || a == AuthNotDetermined
}

// Notification category and action identifiers. These names cross the
// process boundary to the notification presenter and must stay stable.
const (
	CategoryWorkoutReminder = "WORKOUT_REMINDER"
	CategoryUnlockTimer     = "UNLOCK_TIMER"

	ActionStartWorkout = "START_WORKOUT"
	ActionLater        = "LATER"
)
