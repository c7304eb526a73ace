// Package policy decides whether a URL's host may be visited.
package policy

import (
	"net/url"
	"strings"
)

// Mode selects how the domain list is applied.
type Mode string

const (
	ModeAllowlist Mode = "allowlist"
	ModeDenylist  Mode = "denylist"
)

// DomainPolicy is an immutable host filter. A nil *DomainPolicy allows everything.
type DomainPolicy struct {
	mode    Mode
	domains []string
}

// New builds a policy. Domains are normalized and empty entries dropped.
// mode is matched exactly; anything other than "allowlist" or "denylist"
// allows every host.
func New(mode string, domains []string) *DomainPolicy {
	p := &DomainPolicy{mode: Mode(mode)}
	for _, d := range domains {
		if n := NormalizeDomain(d); n != "" {
			p.domains = append(p.domains, n)
		}
	}
	return p
}

// Mode returns the configured mode.
func (p *DomainPolicy) Mode() Mode {
	if p == nil {
		return ""
	}
	return p.mode
}

// Domains returns a copy of the normalized domain list.
func (p *DomainPolicy) Domains() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.domains...)
}

// IsAllowed reports whether rawURL may be visited. URLs without a host
// (about:blank, data:, unparsable input) are always allowed.
func (p *DomainPolicy) IsAllowed(rawURL string) bool {
	if p == nil {
		return true
	}
	host := ExtractHost(rawURL)
	if host == "" {
		return true
	}
	matched := false
	for _, d := range p.domains {
		if MatchesDomain(host, d) {
			matched = true
			break
		}
	}
	switch p.mode {
	case ModeAllowlist:
		return matched
	case ModeDenylist:
		return !matched
	default:
		return true
	}
}

// NormalizeDomain trims whitespace, lowercases, and strips leading dots.
func NormalizeDomain(domain string) string {
	return strings.TrimLeft(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ExtractHost returns the lowercased host of rawURL, or "" when there is none.
func ExtractHost(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// MatchesDomain reports whether host equals domain or is a subdomain of it.
// Both arguments are expected in normalized form.
func MatchesDomain(host, domain string) bool {
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
