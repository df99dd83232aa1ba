// Package hostfilter enforces the allow-list of permitted object store hosts.
// The list is loaded once from configuration at startup and is read-only
// afterwards, so concurrent lookups need no locking.
package hostfilter

import (
	"fmt"
	"strings"
)

// HostNotAllowedError is returned when a host fails the allow-list check.
// The message deliberately contains "not allowed in config" so operators can
// grep for filter rejections.
type HostNotAllowedError struct {
	Host string
}

func (e *HostNotAllowedError) Error() string {
	return fmt.Sprintf("host %q is not allowed in config (remote host filter)", e.Host)
}

// Filter matches hostnames against a fixed set of patterns. A pattern is
// either an exact hostname or a wildcard of the form "*.example.com", which
// matches any single-label or deeper subdomain of example.com.
type Filter struct {
	patterns []string
}

// New builds a Filter from the configured patterns. An empty pattern list
// means every host is allowed.
func New(patterns []string) *Filter {
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	return &Filter{patterns: normalized}
}

// Allowed reports whether the host passes the filter.
func (f *Filter) Allowed(host string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, p := range f.patterns {
		if matches(p, host) {
			return true
		}
	}
	return false
}

// Check returns a HostNotAllowedError if the host fails the filter. It must
// be called for the original request host and for every redirect target
// before a request is issued to it.
func (f *Filter) Check(host string) error {
	if !f.Allowed(host) {
		return &HostNotAllowedError{Host: host}
	}
	return nil
}

func matches(pattern, host string) bool {
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+suffix)
	}
	return pattern == host
}
