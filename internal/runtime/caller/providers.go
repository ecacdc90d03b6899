package caller

import (
	"sort"
	"strings"

	"github.com/arenahq/apicore/internal/apierr"
)

// Numeric ids of the supported social identity providers. The token subject
// carries a textual provider name matched by prefix against this table, so
// variants like "google-oauth2" resolve to the google id.
const (
	ProviderFacebook   int64 = 1
	ProviderGoogle     int64 = 2
	ProviderTwitter    int64 = 3
	ProviderGithub     int64 = 4
	ProviderSalesforce int64 = 5
	// ProviderAD is the enterprise directory: its external user id is the
	// internal numeric user id directly.
	ProviderAD int64 = 50
)

var providerPrefixes = map[string]int64{
	"facebook":   ProviderFacebook,
	"google":     ProviderGoogle,
	"twitter":    ProviderTwitter,
	"github":     ProviderGithub,
	"salesforce": ProviderSalesforce,
	"ad":         ProviderAD,
}

// resolveProvider maps a textual provider from the token subject to its
// numeric id. Longer prefixes are tried first so overlapping names cannot
// shadow each other. Matching is case-sensitive against the fixed list.
func resolveProvider(name string) (int64, error) {
	prefixes := make([]string, 0, len(providerPrefixes))
	for prefix := range providerPrefixes {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return providerPrefixes[prefix], nil
		}
	}
	// A token with an unknown provider is a server-side integration gap, not
	// a malformed request.
	return 0, apierr.Newf(apierr.KindInternal, "social provider %s is not defined", name)
}
