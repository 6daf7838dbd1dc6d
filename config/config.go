package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"calsyncd/internal/domain"
)

type Config struct {
	DatabasePath string
	Timezone     *time.Location

	SyncInterval      time.Duration
	SyncWindowMonths  int
	ReminderLookahead time.Duration

	InsecureSkipVerify bool

	// Bootstrap account, used once at first start if the database holds
	// no account yet. Optional; accounts can also be added at runtime.
	CalDAVURL      string
	CalDAVUsername string
	CalDAVPassword string
	CalDAVProvider domain.Provider
}

func Load() (*Config, error) {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/calsyncd.db"
	}

	tzName := os.Getenv("TIMEZONE")
	if tzName == "" {
		tzName = "UTC"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	interval, err := envMinutes("SYNC_INTERVAL_MINUTES", 15)
	if err != nil {
		return nil, err
	}

	windowMonths := 6
	if v := os.Getenv("SYNC_WINDOW_MONTHS"); v != "" {
		windowMonths, err = strconv.Atoi(v)
		if err != nil || windowMonths < 1 {
			return nil, fmt.Errorf("SYNC_WINDOW_MONTHS must be a positive number")
		}
	}

	lookaheadHours := 48
	if v := os.Getenv("REMINDER_LOOKAHEAD_HOURS"); v != "" {
		lookaheadHours, err = strconv.Atoi(v)
		if err != nil || lookaheadHours < 1 {
			return nil, fmt.Errorf("REMINDER_LOOKAHEAD_HOURS must be a positive number")
		}
	}

	provider := domain.Provider(os.Getenv("CALDAV_PROVIDER"))
	if provider == "" {
		provider = domain.ProviderGeneric
	}
	if provider != domain.ProviderGeneric && provider != domain.ProviderICloud {
		return nil, fmt.Errorf("unknown CALDAV_PROVIDER %q", provider)
	}

	return &Config{
		DatabasePath:       dbPath,
		Timezone:           tz,
		SyncInterval:       interval,
		SyncWindowMonths:   windowMonths,
		ReminderLookahead:  time.Duration(lookaheadHours) * time.Hour,
		InsecureSkipVerify: os.Getenv("INSECURE_SKIP_VERIFY") == "true",
		CalDAVURL:          os.Getenv("CALDAV_URL"),
		CalDAVUsername:     os.Getenv("CALDAV_USERNAME"),
		CalDAVPassword:     os.Getenv("CALDAV_PASSWORD"),
		CalDAVProvider:     provider,
	}, nil
}

// SyncWindowAhead converts the configured window into the forward
// expansion horizon.
func (c *Config) SyncWindowAhead() time.Duration {
	return time.Duration(c.SyncWindowMonths) * 30 * 24 * time.Hour
}

// HasBootstrapAccount reports whether env carries first-start credentials.
func (c *Config) HasBootstrapAccount() bool {
	return c.CalDAVUsername != "" && c.CalDAVPassword != ""
}

func envMinutes(key string, def int) (time.Duration, error) {
	minutes := def
	if v := os.Getenv(key); v != "" {
		var err error
		minutes, err = strconv.Atoi(v)
		if err != nil || minutes < 1 {
			return 0, fmt.Errorf("%s must be a positive number", key)
		}
	}
	return time.Duration(minutes) * time.Minute, nil
}
