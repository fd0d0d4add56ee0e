// Package urlguard validates client-supplied target URLs before any
// request is made on their behalf. The entry point relays arbitrary
// URLs, so targets that would reach internal infrastructure are
// rejected up front.
package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Guard validates target URLs. Resolution uses the supplied resolver so
// tests can run without DNS.
type Guard struct {
	resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}
}

// New returns a guard backed by the default resolver.
func New() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

// Validate checks that rawURL is an absolute http(s) URL whose host does
// not resolve to a private, loopback or link-local address. Every
// resolved address must pass; one bad A/AAAA record rejects the URL.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme '%s'", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL has no host")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("target host '%s' is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbidden(ip) {
			return fmt.Errorf("target address %s is not allowed", ip)
		}
		return nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve target host '%s': %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("target host '%s' resolves to no addresses", host)
	}
	for _, addr := range addrs {
		if isForbidden(addr.IP) {
			return fmt.Errorf("target host '%s' resolves to forbidden address %s", host, addr.IP)
		}
	}
	return nil
}

// isForbidden reports whether the address points at infrastructure the
// relay must never reach on a client's behalf.
func isForbidden(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
