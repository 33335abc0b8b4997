// Package origin implements the trust rules applied to message sources:
// hostname pattern matching, trusted-origin validation and referrer-derived
// origins.
package origin

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gaspardpetit/framerelay/internal/logx"
)

// Wildcard is the transient target-origin placeholder used for the very
// first handshake attempt when no referrer is available. It is never used
// for steady-state sends.
const Wildcard = "*"

// HostMatches reports whether host matches pattern. A pattern is either an
// exact host (optionally with a port, e.g. "localhost:3000") or a wildcard
// subdomain rule such as "*.example.com". Wildcard patterns match one label
// in place of the "*": "a.example.com" matches, "example.com" and
// "a.b.example.com" do not, and suffix confusables such as "evilexample.com"
// are rejected because the match is anchored at a label boundary.
func HostMatches(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}
	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	if strings.Count(host, ".") != strings.Count(pattern, ".") {
		return false
	}
	// The wildcard must stand in for a non-empty label.
	return len(host) > len(suffix)
}

// IsTrusted reports whether the host of rawURL matches any of the trusted
// patterns. rawURL may be a full URL or a bare origin such as
// "https://games.example.com".
func IsTrusted(rawURL string, trusted []string) bool {
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	for _, pattern := range trusted {
		if HostMatches(pattern, host) {
			return true
		}
	}
	return false
}

// FromURL reduces a URL to its origin (scheme://host[:port]).
func FromURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("origin: parse %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("origin: %q has no scheme or host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// FromReferrer derives the counterpart origin from a document referrer. When
// the referrer is absent or unparsable it falls back to the Wildcard
// sentinel; the caller is expected to clear the wildcard once the handshake
// attempt is on the wire, so the downgrade is transient.
func FromReferrer(referrer string) string {
	if strings.TrimSpace(referrer) == "" {
		logx.Log.Warn().Msg("no referrer available; falling back to wildcard origin for handshake")
		return Wildcard
	}
	o, err := FromURL(referrer)
	if err != nil {
		logx.Log.Warn().Str("referrer", referrer).Err(err).Msg("unparsable referrer; falling back to wildcard origin for handshake")
		return Wildcard
	}
	return o
}

func hostOf(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		// Bare host or host:port.
		return strings.ToLower(raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}
