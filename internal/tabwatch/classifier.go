// internal/tabwatch/classifier.go
package tabwatch

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Match is the classification of a tab URL.
type Match int

const (
	MatchNone Match = iota
	MatchMonitored
	MatchAuthProvider
)

func (m Match) String() string {
	switch m {
	case MatchMonitored:
		return "monitored"
	case MatchAuthProvider:
		return "auth_provider"
	default:
		return "none"
	}
}

// Classifier sorts URLs into the monitored site, a federated auth provider, or neither.
//
// The monitored domain matches on its registrable domain (eTLD+1), so www and app
// subdomains count as the same site. Provider entries without a slash match the host or any
// subdomain of it; entries with a slash match as a substring of host+path, which
// lets "facebook.com/login" single out the dialog without claiming all of facebook.com.
type Classifier struct {
	site      string
	providers []string
}

// NewClassifier validates the domains and builds a Classifier.
func NewClassifier(monitoredDomain string, providers []string) (*Classifier, error) {
	host := hostOf(monitoredDomain)
	if host == "" {
		return nil, fmt.Errorf("monitored domain %q is empty or malformed", monitoredDomain)
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return nil, fmt.Errorf("monitored domain %q has no registrable domain: %w", monitoredDomain, err)
	}

	c := &Classifier{site: site}
	for _, p := range providers {
		p = strings.ToLower(strings.TrimSpace(p))
		p = strings.TrimPrefix(strings.TrimPrefix(p, "https://"), "http://")
		if p != "" {
			c.providers = append(c.providers, p)
		}
	}
	return c, nil
}

// hostOf accepts either a bare host or a URL.
func hostOf(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Classify returns the match for rawURL. Auth providers take precedence over the monitored site.
func (c *Classifier) Classify(rawURL string) Match {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return MatchNone
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return MatchNone
	}

	if c.matchProvider(host, strings.ToLower(u.EscapedPath())) {
		return MatchAuthProvider
	}
	if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil && site == c.site {
		return MatchMonitored
	}
	return MatchNone
}

func (c *Classifier) matchProvider(host, path string) bool {
	full := host + path
	for _, p := range c.providers {
		if strings.Contains(p, "/") {
			if strings.Contains(full, p) {
				return true
			}
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

// IsAuthProvider reports whether rawURL is hosted by a federated auth provider.
func (c *Classifier) IsAuthProvider(rawURL string) bool {
	return c.Classify(rawURL) == MatchAuthProvider
}

// IsMonitored reports whether rawURL belongs to the monitored site.
func (c *Classifier) IsMonitored(rawURL string) bool {
	return c.Classify(rawURL) == MatchMonitored
}

// ProviderPatterns returns the normalised provider entries.
func (c *Classifier) ProviderPatterns() []string {
	return append([]string(nil), c.providers...)
}
