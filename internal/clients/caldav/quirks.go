package caldav

import "calsyncd/internal/domain"

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"
)

// Quirks captures a provider's protocol dialect. The provider set is
// closed; an account resolves its quirks once and keeps them for the
// whole sync cycle.
type Quirks struct {
	Provider domain.Provider

	// FixedEndpoint is a known principal-discovery endpoint. When set,
	// discovery goes straight there and never path-probes.
	FixedEndpoint string

	// SkipWellKnown skips the /.well-known/caldav bootstrap, for servers
	// known not to serve it.
	SkipWellKnown bool
}

// QuirksFor resolves the dialect for a provider tag. Unknown tags fall
// back to the generic dialect.
func QuirksFor(provider domain.Provider) Quirks {
	switch provider {
	case domain.ProviderICloud:
		return Quirks{
			Provider:      domain.ProviderICloud,
			FixedEndpoint: DefaultiCloudURL,
			SkipWellKnown: true,
		}
	default:
		return Quirks{Provider: domain.ProviderGeneric}
	}
}
