package domain

import "time"

// OperationType is the kind of local mutation awaiting push.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// OperationState is the lifecycle state of a pending operation.
//
//	PENDING → IN_PROGRESS → deleted on success, or FAILED
//	FAILED → PENDING via stale recovery, forced reset, or auto-retry
//	FAILED|PENDING → ABANDONED on lifetime expiry (terminal)
type OperationState string

const (
	OpStatePending    OperationState = "PENDING"
	OpStateInProgress OperationState = "IN_PROGRESS"
	OpStateFailed     OperationState = "FAILED"
	OpStateAbandoned  OperationState = "ABANDONED"
)

// PendingOperation is one durable record of a local mutation not yet
// confirmed pushed to the server.
type PendingOperation struct {
	ID         int64
	EventID    int64
	CalendarID int64
	Type       OperationType
	State      OperationState

	// Payload carries what the push needs even after the event row is
	// gone: the object URL and UID for deletes, the ETag for If-Match.
	ObjectURL string
	UID       string
	ETag      string

	Attempts        int
	FailedAt        *time.Time
	LifetimeResetAt time.Time // abandonment clock; refreshed by forced reset
	AbandonReason   string

	CreatedAt time.Time
	UpdatedAt time.Time
}
