// Package irr fetches announced route/route6 prefixes for ASNs and AS-SETs
// from Internet Routing Registries. Strategies (multi-source WHOIS/REST,
// bgpq4 subprocess, API proxy) all implement Fetcher; the pipeline never
// depends on which one is active.
package irr

import (
	"context"

	"irrwatch/pkg/model"
)

// Fetcher is the prefix-fetching capability the pipeline consumes.
// Implementations never fail for partial source failure: failed sources
// are reported in PrefixResult.Errors while the prefix sets hold whatever
// could be retrieved. A non-nil error means the fetch could not be
// attempted at all (cancelled context, unreachable proxy).
type Fetcher interface {
	FetchPrefixes(ctx context.Context, target string) (*model.PrefixResult, error)
}

// WhoisServers maps IRR source names to their WHOIS hosts (port 43).
// RIPE is not listed: it is queried through its REST API, which is more
// reliable than WHOIS for RIPE data.
var WhoisServers = map[string]string{
	"RADB":    "whois.radb.net",
	"ARIN":    "rr.arin.net",
	"APNIC":   "whois.apnic.net",
	"LACNIC":  "irr.lacnic.net",
	"AFRINIC": "whois.afrinic.net",
	"NTTCOM":  "rr.ntt.net",
}

// ValidSources is the set of IRR source names the client knows how to
// query. Unrecognized names are rejected at configuration time rather
// than silently routed to a mirror.
var ValidSources = map[string]bool{
	"RIPE":    true,
	"RADB":    true,
	"ARIN":    true,
	"APNIC":   true,
	"LACNIC":  true,
	"AFRINIC": true,
	"NTTCOM":  true,
}
