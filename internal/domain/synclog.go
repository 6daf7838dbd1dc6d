package domain

import "time"

// SyncLogEntry is one diagnostics row recording a pull/push/conflict/
// discovery action. Retention is bounded; old rows are purged by age.
type SyncLogEntry struct {
	ID         int64
	AccountID  int64
	CalendarID *int64
	Action     string // "pull", "push", "conflict", "discovery", "abandon"
	Result     string // "ok", "error", "skipped"
	EventUID   string
	HTTPStatus int
	Detail     string
	CreatedAt  time.Time
}
