// Package acl restricts which client addresses may reach the control plane.
package acl

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Checker matches client addresses against an allow list of IPs and prefixes.
// A nil Checker allows everything.
type Checker struct {
	prefixes   []netip.Prefix
	trustProxy bool
}

// NewChecker parses the allow list. An empty list disables checking and
// returns a nil Checker.
func NewChecker(allowed []string, trustProxy bool) (*Checker, error) {
	var prefixes []netip.Prefix
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parseEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed client %q: %w", entry, err)
		}
		prefixes = append(prefixes, p)
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &Checker{prefixes: prefixes, trustProxy: trustProxy}, nil
}

// parseEntry turns a single address into a full-length prefix
func parseEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IsAllowed reports whether addr is covered by the allow list
func (c *Checker) IsAllowed(addr netip.Addr) bool {
	if c == nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of allow list entries
func (c *Checker) Len() int {
	if c == nil {
		return 0
	}
	return len(c.prefixes)
}

// ClientIP extracts the client address of r. X-Forwarded-For is honored
// only when the checker trusts a proxy.
func (c *Checker) ClientIP(r *http.Request) (netip.Addr, error) {
	if c != nil && c.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap(), nil
			}
		}
	}
	return RemoteIP(r)
}

// RemoteIP parses the address of the connected peer
func RemoteIP(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid client address %q: %w", r.RemoteAddr, err)
	}
	return addr.Unmap(), nil
}
