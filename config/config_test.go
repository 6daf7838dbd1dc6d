package config

import (
	"testing"
	"time"

	"calsyncd/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_PATH", "TIMEZONE", "SYNC_INTERVAL_MINUTES", "SYNC_WINDOW_MONTHS",
		"REMINDER_LOOKAHEAD_HOURS", "INSECURE_SKIP_VERIFY",
		"CALDAV_URL", "CALDAV_USERNAME", "CALDAV_PASSWORD", "CALDAV_PROVIDER",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "./data/calsyncd.db" {
		t.Errorf("db path %q", cfg.DatabasePath)
	}
	if cfg.Timezone != time.UTC {
		t.Errorf("timezone %v", cfg.Timezone)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("interval %v", cfg.SyncInterval)
	}
	if cfg.SyncWindowMonths != 6 {
		t.Errorf("window %d", cfg.SyncWindowMonths)
	}
	if cfg.ReminderLookahead != 48*time.Hour {
		t.Errorf("lookahead %v", cfg.ReminderLookahead)
	}
	if cfg.CalDAVProvider != domain.ProviderGeneric {
		t.Errorf("provider %q", cfg.CalDAVProvider)
	}
	if cfg.HasBootstrapAccount() {
		t.Error("bootstrap account without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/x.db")
	t.Setenv("TIMEZONE", "Europe/Berlin")
	t.Setenv("SYNC_INTERVAL_MINUTES", "5")
	t.Setenv("SYNC_WINDOW_MONTHS", "3")
	t.Setenv("REMINDER_LOOKAHEAD_HOURS", "24")
	t.Setenv("INSECURE_SKIP_VERIFY", "true")
	t.Setenv("CALDAV_PROVIDER", "icloud")
	t.Setenv("CALDAV_USERNAME", "alice@example.com")
	t.Setenv("CALDAV_PASSWORD", "app-specific")
	t.Setenv("CALDAV_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timezone.String() != "Europe/Berlin" {
		t.Errorf("timezone %v", cfg.Timezone)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("interval %v", cfg.SyncInterval)
	}
	if cfg.SyncWindowAhead() != 3*30*24*time.Hour {
		t.Errorf("window ahead %v", cfg.SyncWindowAhead())
	}
	if !cfg.InsecureSkipVerify {
		t.Error("insecure flag not read")
	}
	if cfg.CalDAVProvider != domain.ProviderICloud {
		t.Errorf("provider %q", cfg.CalDAVProvider)
	}
	if !cfg.HasBootstrapAccount() {
		t.Error("bootstrap credentials not detected")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TIMEZONE", "Neverland/Nowhere")
	if _, err := Load(); err == nil {
		t.Error("bad timezone accepted")
	}
	t.Setenv("TIMEZONE", "UTC")

	t.Setenv("SYNC_INTERVAL_MINUTES", "zero")
	if _, err := Load(); err == nil {
		t.Error("bad interval accepted")
	}
	t.Setenv("SYNC_INTERVAL_MINUTES", "")

	t.Setenv("CALDAV_PROVIDER", "fastmail")
	if _, err := Load(); err == nil {
		t.Error("unknown provider accepted")
	}
}
