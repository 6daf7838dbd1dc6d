package caldav

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"calsyncd/internal/domain"
)

// wellKnownPath is the RFC 6764 bootstrap path, probed first unless the
// provider's quirks say the server does not serve it.
const wellKnownPath = "/.well-known/caldav"

// probePaths are common CalDAV base paths tried in order when principal
// discovery at the user-supplied URL fails with a non-auth error.
var probePaths = []string{
	wellKnownPath,
	"/remote.php/dav",
	"/dav",
	"/caldav",
	"/SOGo/dav",
	"/",
}

const defaultProbeDelay = 500 * time.Millisecond

// Resolver performs server discovery for one account:
// normalize URL → (well-known / fixed endpoint) → principal →
// calendar home → calendar list.
type Resolver struct {
	Username    string
	Password    string
	InsecureTLS bool

	// ProbeDelay spaces out path probes to avoid tripping rate limits.
	ProbeDelay time.Duration

	quirks Quirks
}

func NewResolver(provider domain.Provider, username, password string, insecureTLS bool) *Resolver {
	return &Resolver{
		Username:    username,
		Password:    password,
		InsecureTLS: insecureTLS,
		ProbeDelay:  defaultProbeDelay,
		quirks:      QuirksFor(provider),
	}
}

// DiscoveryResult is what a successful resolution yields. Nothing is
// committed to storage; the caller decides which calendars to keep.
type DiscoveryResult struct {
	EndpointURL  string // base URL sync clients must be constructed with
	PrincipalURL string
	HomeSetURL   string
	Calendars    []CalendarInfo
}

// Discover runs the full resolution state machine. For fixed-endpoint
// providers the supplied serverURL is ignored. For generic servers, a
// non-auth failure at the supplied URL falls back to probing the common
// base paths; the first authentication or certificate error stops
// probing immediately, since it is systemic and further paths cannot
// help.
func (r *Resolver) Discover(ctx context.Context, serverURL string) (*DiscoveryResult, error) {
	if r.quirks.FixedEndpoint != "" {
		return r.discoverAt(ctx, r.quirks.FixedEndpoint)
	}

	base, err := NormalizeURL(serverURL)
	if err != nil {
		return nil, err
	}

	result, err := r.discoverAt(ctx, base)
	if err == nil {
		return result, nil
	}
	if IsKind(err, KindAuth) || IsKind(err, KindCertificate) {
		return nil, err
	}

	root, rootErr := serverRoot(base)
	if rootErr != nil {
		return nil, err
	}

	log.Printf("Discovery at %s failed (%v), probing common paths", base, err)

	lastErr := err
	for _, path := range probePaths {
		if path == wellKnownPath && r.quirks.SkipWellKnown {
			continue
		}
		candidate := root + path
		if candidate == base {
			continue
		}

		delay := r.ProbeDelay
		if delay == 0 {
			delay = defaultProbeDelay
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		result, err := r.discoverAt(ctx, candidate)
		if err == nil {
			return result, nil
		}
		if IsKind(err, KindAuth) || IsKind(err, KindCertificate) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("discovery failed for %s: %w", base, lastErr)
}

// discoverAt resolves principal → home set → calendars against one base
// URL.
func (r *Resolver) discoverAt(ctx context.Context, base string) (*DiscoveryResult, error) {
	client, err := NewClient(base, r.Username, r.Password, r.InsecureTLS)
	if err != nil {
		return nil, classify(err)
	}

	principal, err := client.FindPrincipal(ctx)
	if err != nil {
		return nil, err
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, err
	}

	cals, err := client.ListCalendars(ctx, homeSet)
	if err != nil {
		return nil, err
	}

	return &DiscoveryResult{
		EndpointURL:  base,
		PrincipalURL: principal,
		HomeSetURL:   homeSet,
		Calendars:    FilterCalendars(cals),
	}, nil
}

// FilterCalendars drops collections the app manages natively: task,
// reminder and birthday calendars, matched by display-name heuristics.
func FilterCalendars(cals []CalendarInfo) []CalendarInfo {
	var out []CalendarInfo
	for _, cal := range cals {
		name := strings.ToLower(cal.DisplayName)
		if strings.Contains(name, "task") ||
			strings.Contains(name, "reminder") ||
			strings.Contains(name, "birthday") {
			continue
		}
		out = append(out, cal)
	}
	return out
}

// NormalizeURL adds a default scheme when missing and strips the trailing
// slash for root URLs only. Non-root paths keep their trailing slash;
// some servers require it.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL has no host: %s", raw)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = ""
	}
	return u.String(), nil
}

// serverRoot reduces a URL to scheme://host for path probing.
func serverRoot(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	return u.Scheme + "://" + u.Host, nil
}
