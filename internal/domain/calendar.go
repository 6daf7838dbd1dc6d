package domain

import "time"

// Calendar is one remote (or local) event collection.
type Calendar struct {
	ID          int64
	AccountID   int64
	URL         string // canonical collection URL, always with trailing slash
	DisplayName string
	Color       string
	ReadOnly    bool
	Visible     bool
	IsDefault   bool

	// CTag is the server's collection cursor. Empty forces a full pull on
	// the next sync; it is cleared whenever calendar membership is
	// (re)established so a stale cursor cannot hide events.
	CTag      string
	SyncToken string

	CreatedAt time.Time
	UpdatedAt time.Time
}
