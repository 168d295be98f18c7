// Package store implements the shared persistent store: the app-group
// style key/value mailbox that is the only channel between the main
// process, the shield extension and the notification extension.
package store

// Key names shared across processes. These are read and written by the
// shield and notification extensions too - the exact spellings matter.
const (
	KeyPendingNotificationID     = "pending_notification_id"
	KeyNotificationExpiresAt     = "notification_expires_at"
	KeyLastScheduledNotification = "last_scheduled_notification_id"
	KeyLastNotificationTime      = "last_notification_time"
	KeyShouldShowWorkout         = "should_show_workout"
	KeyShieldActionTimestamp     = "shield_action_timestamp"
	KeyEmergencyUnlocksUsedToday = "emergency_unlocks_used_today"
	KeyEmergencyUnlockResetDate  = "emergency_unlock_reset_date"
	KeyEmergencyUnlockActive     = "emergency_unlock_active"
	KeyEmergencyUnlockExpiry     = "emergency_unlock_expiry"
	KeyFamilyActivitySelection   = "family_activity_selection"

	// Process bookkeeping for the coordinator daemon itself.
	KeyDaemonPID         = "daemon_pid"
	KeyDaemonHeartbeat   = "daemon_heartbeat"
	KeyActiveSessionID   = "active_session_id"
	KeyActiveSessionEnd  = "active_session_end"
	KeyActiveSessionKind = "active_session_kind"
)
