package domain

import "time"

// Provider identifies the CalDAV dialect an account speaks. The set is
// closed: quirks are resolved once per account into a fixed strategy,
// not through open-ended dispatch.
type Provider string

const (
	ProviderICloud  Provider = "icloud"
	ProviderGeneric Provider = "generic"
)

// Account is one remote CalDAV identity.
type Account struct {
	ID           int64
	Provider     Provider
	Username     string
	Password     string
	ServerURL    string // user-supplied URL; empty for fixed-endpoint providers
	PrincipalURL string // discovered
	HomeSetURL   string // discovered
	Enabled      bool

	// Sync bookkeeping, updated by every sync attempt.
	ConsecutiveFailures int
	LastSyncSuccess     *time.Time
	LastSyncFailure     *time.Time

	CreatedAt time.Time
}
