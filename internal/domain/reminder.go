package domain

import "time"

// ReminderStatus is the lifecycle state of a scheduled reminder.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "PENDING"
	ReminderFired     ReminderStatus = "FIRED"
	ReminderDismissed ReminderStatus = "DISMISSED"
)

// ScheduledReminder is one concrete alarm. EventID is the display target,
// which may be an exception event rather than the recurrence master.
// Unique per (EventID, OccurrenceTime, Offset).
type ScheduledReminder struct {
	ID             int64
	EventID        int64
	OccurrenceTime int64  // unix millis of the occurrence start
	TriggerTime    int64  // unix millis when the alarm fires
	Offset         string // ISO-8601-style duration, e.g. "-PT15M"
	Status         ReminderStatus

	// Denormalized display fields so the notification can render without
	// a second read.
	Title    string
	Location string
	AllDay   bool

	SnoozedUntil *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DueAt reports whether the reminder should fire at the given instant.
func (r *ScheduledReminder) DueAt(now time.Time) bool {
	return r.Status == ReminderPending && r.TriggerTime <= now.UnixMilli()
}
