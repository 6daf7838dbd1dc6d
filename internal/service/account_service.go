package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"calsyncd/internal/clients/caldav"
	"calsyncd/internal/domain"
	"calsyncd/internal/storage"
)

// AccountService owns account setup: discovery, the two-phase calendar
// selection flow, and reconciling the local calendar list with the
// server's.
type AccountService struct {
	storage     *storage.Storage
	insecureTLS bool
}

func NewAccountService(s *storage.Storage, insecureTLS bool) *AccountService {
	return &AccountService{storage: s, insecureTLS: insecureTLS}
}

// DiscoverCalendars is phase one: resolve the server and return the
// available calendars without committing anything, so the caller can
// present a selection.
func (s *AccountService) DiscoverCalendars(ctx context.Context, provider domain.Provider, serverURL, username, password string) (*caldav.DiscoveryResult, error) {
	resolver := caldav.NewResolver(provider, username, password, s.insecureTLS)
	result, err := resolver.Discover(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", username, err)
	}
	return result, nil
}

// CreateAccountWithCalendars is phase two: commit the account and the
// chosen subset of discovered calendars. Every new calendar starts with
// an empty sync cursor so the first sync performs a full pull; a stale
// cursor would silently hide events.
func (s *AccountService) CreateAccountWithCalendars(provider domain.Provider, username, password string, discovery *caldav.DiscoveryResult, selected []caldav.CalendarInfo) (*domain.Account, error) {
	account := &domain.Account{
		Provider:     provider,
		Username:     username,
		Password:     password,
		ServerURL:    discovery.EndpointURL,
		PrincipalURL: discovery.PrincipalURL,
		HomeSetURL:   discovery.HomeSetURL,
		Enabled:      true,
	}
	if err := s.storage.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	for i, info := range selected {
		cal := &domain.Calendar{
			AccountID:   account.ID,
			URL:         info.URL,
			DisplayName: info.DisplayName,
			Color:       info.Color,
			ReadOnly:    info.ReadOnly,
			Visible:     true,
			IsDefault:   i == 0,
			CTag:        "", // full pull on first sync
		}
		if err := s.storage.CreateCalendar(cal); err != nil {
			return nil, fmt.Errorf("create calendar %s: %w", info.DisplayName, err)
		}
	}

	entry := &domain.SyncLogEntry{
		AccountID: account.ID,
		Action:    "discovery",
		Result:    "ok",
		Detail:    fmt.Sprintf("account created with %d calendars at %s", len(selected), discovery.EndpointURL),
	}
	if err := s.storage.AppendSyncLog(entry); err != nil {
		log.Printf("Error appending discovery log: %v", err)
	}

	return account, nil
}

// RefreshCalendars reconciles the local calendar list against a fresh
// discovery: remote-only calendars are created (with a cleared cursor),
// local-only ones are deleted, the rest updated in place.
func (s *AccountService) RefreshCalendars(ctx context.Context, account *domain.Account) error {
	resolver := caldav.NewResolver(account.Provider, account.Username, account.Password, s.insecureTLS)
	result, err := resolver.Discover(ctx, account.ServerURL)
	if err != nil {
		return fmt.Errorf("rediscover %s: %w", account.Username, err)
	}

	if result.PrincipalURL != account.PrincipalURL || result.HomeSetURL != account.HomeSetURL {
		if err := s.storage.UpdateAccountDiscovery(account.ID, result.PrincipalURL, result.HomeSetURL); err != nil {
			return fmt.Errorf("update discovery urls: %w", err)
		}
	}

	locals, err := s.storage.ListCalendarsByAccount(account.ID)
	if err != nil {
		return fmt.Errorf("list local calendars: %w", err)
	}
	localByURL := make(map[string]*domain.Calendar, len(locals))
	for _, cal := range locals {
		localByURL[cal.URL] = cal
	}

	seen := make(map[string]bool, len(result.Calendars))
	for _, info := range result.Calendars {
		seen[info.URL] = true

		local, exists := localByURL[info.URL]
		if !exists {
			cal := &domain.Calendar{
				AccountID:   account.ID,
				URL:         info.URL,
				DisplayName: info.DisplayName,
				Color:       info.Color,
				ReadOnly:    info.ReadOnly,
				Visible:     true,
				CTag:        "",
			}
			if err := s.storage.CreateCalendar(cal); err != nil {
				return fmt.Errorf("create calendar %s: %w", info.DisplayName, err)
			}
			continue
		}

		if local.DisplayName != info.DisplayName || local.ReadOnly != info.ReadOnly {
			local.DisplayName = info.DisplayName
			local.ReadOnly = info.ReadOnly
			if err := s.storage.UpdateCalendar(local); err != nil {
				return fmt.Errorf("update calendar %s: %w", info.DisplayName, err)
			}
		}
	}

	for url, local := range localByURL {
		if seen[url] {
			continue
		}
		if err := s.storage.DeleteCalendar(local.ID); err != nil {
			return fmt.Errorf("delete calendar %s: %w", local.DisplayName, err)
		}
		log.Printf("Calendar %s disappeared remotely, removed locally", local.DisplayName)
	}

	return nil
}

// BootstrapAccount creates an account from configuration at first start
// if none exists yet, selecting every discovered calendar.
func (s *AccountService) BootstrapAccount(ctx context.Context, provider domain.Provider, serverURL, username, password string) (*domain.Account, error) {
	start := time.Now()
	existing, err := s.storage.GetAccountByUsername(provider, username)
	if err != nil {
		return nil, fmt.Errorf("look up account: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	discovery, err := s.DiscoverCalendars(ctx, provider, serverURL, username, password)
	if err != nil {
		return nil, err
	}

	account, err := s.CreateAccountWithCalendars(provider, username, password, discovery, discovery.Calendars)
	if err != nil {
		return nil, err
	}
	log.Printf("Bootstrapped account %s with %d calendars (discovered at %s in %s)",
		username, len(discovery.Calendars), discovery.EndpointURL, time.Since(start).Round(time.Millisecond))
	return account, nil
}
