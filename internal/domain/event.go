package domain

import "time"

// SyncStatus tracks whether an event's local state has been confirmed
// pushed to the server.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Event is a single VEVENT. Two variants share the shape: a master event
// carries the recurrence definition and has OriginalEventID == nil; an
// exception event overrides one occurrence of its master and points at it
// via OriginalEventID + OriginalInstanceTime. Exceptions intentionally
// share their master's UID, so the (uid, calendarId) uniqueness constraint
// applies to masters only.
type Event struct {
	ID          int64
	CalendarID  int64
	UID         string
	Title       string
	Description string
	Location    string

	StartTs int64 // unix millis, UTC
	EndTs   int64
	AllDay  bool

	RRule  string
	RDate  string // comma-separated unix millis
	ExDate string // comma-separated unix millis

	OriginalEventID      *int64
	OriginalInstanceTime *int64

	// Cancelled marks an exception that removes its instance rather than
	// altering it (STATUS:CANCELLED on the wire).
	Cancelled bool

	// ReminderOffsets holds ISO-8601-style duration strings such as
	// "-PT15M" (15 minutes before), comma-separated.
	ReminderOffsets string

	ETag       string
	Sequence   int
	SyncStatus SyncStatus
	DTStamp    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsMaster reports whether this event is a recurrence master (or a plain
// non-recurring event), as opposed to an exception override.
func (e *Event) IsMaster() bool {
	return e.OriginalEventID == nil
}

// IsRecurring reports whether the event defines a recurrence series.
func (e *Event) IsRecurring() bool {
	return e.RRule != "" || e.RDate != ""
}

// Duration returns the event's duration.
func (e *Event) Duration() time.Duration {
	return time.Duration(e.EndTs-e.StartTs) * time.Millisecond
}
