// Package netguard validates outbound request targets so tools that fetch
// model-chosen URLs cannot be steered at internal services. A target passes
// only when its scheme is plain HTTP(S), its port is not a known service
// port, its hostname is not an internal name, and every address it resolves
// to is public.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// BlockedError reports a target rejected by policy. Resolution failures are
// returned as plain errors; errors.As separates the two.
type BlockedError struct {
	Target string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked %s: %s", e.Target, e.Reason)
}

func blocked(target, reason string) *BlockedError {
	return &BlockedError{Target: target, Reason: reason}
}

// LookupFunc resolves a hostname to addresses. Tests substitute it to avoid
// live DNS.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// privateRanges covers loopback, RFC 1918, link-local, carrier-grade NAT,
// the zero network, and their IPv6 counterparts.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
}

// blockedHosts are rejected before any resolution happens.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// blockedSuffixes mark internal naming conventions.
var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// blockedPorts maps service ports a fetch tool has no business talking to
// onto their names for error messages.
var blockedPorts = map[int]string{
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	110:   "pop3",
	135:   "msrpc",
	139:   "netbios",
	143:   "imap",
	445:   "smb",
	465:   "smtps",
	587:   "smtp submission",
	3306:  "mysql",
	3389:  "rdp",
	5432:  "postgres",
	5900:  "vnc",
	6379:  "redis",
	9200:  "elasticsearch",
	11211: "memcached",
	27017: "mongodb",
}

// Guard is the reusable validator. One instance is shared by every tool
// that reaches the network.
type Guard struct {
	lookup LookupFunc
}

// Option configures a Guard.
type Option func(*Guard)

// WithLookup substitutes the DNS resolver.
func WithLookup(fn LookupFunc) Option {
	return func(g *Guard) { g.lookup = fn }
}

// New creates a Guard resolving through the default system resolver.
func New(opts ...Option) *Guard {
	g := &Guard{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateURL parses raw and checks scheme, port, hostname, and resolved
// addresses. It returns the parsed URL so callers issue the request against
// exactly what was validated.
func (g *Guard) ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, blocked(raw, fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
	if u.Hostname() == "" {
		return nil, blocked(raw, "missing host")
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, blocked(raw, "invalid port "+port)
		}
		if name, bad := blockedPorts[n]; bad {
			return nil, blocked(raw, fmt.Sprintf("port %d (%s) is not allowed", n, name))
		}
	}
	if err := g.ValidateHost(ctx, u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// ValidateHost checks a bare hostname or IP literal: internal names are
// rejected outright, literals are range-checked, and anything else must
// resolve to public addresses only.
func (g *Guard) ValidateHost(ctx context.Context, host string) error {
	h := normalizeHost(host)
	if h == "" {
		return blocked(host, "empty host")
	}
	if blockedHosts[h] {
		return blocked(host, "internal hostname")
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(h, suffix) {
			return blocked(host, "internal hostname")
		}
	}
	if addr, err := netip.ParseAddr(h); err == nil {
		if isPrivateAddr(addr) {
			return blocked(host, "private address")
		}
		return nil
	}
	addrs, err := g.lookup(ctx, h)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, addr := range addrs {
		if isPrivateAddr(addr) {
			return blocked(host, "resolves to private address "+addr.String())
		}
	}
	return nil
}

// CheckRedirect is an http.Client CheckRedirect hook that re-validates every
// hop, so a public page cannot bounce the client onto an internal address.
func (g *Guard) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	_, err := g.ValidateURL(req.Context(), req.URL.String())
	return err
}

// normalizeHost lowercases, trims the FQDN dot, and unwraps IPv6 brackets.
func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// isPrivateAddr reports whether addr falls in a private range. IPv4-mapped
// IPv6 addresses are unmapped first so ::ffff:10.0.0.1 matches 10.0.0.0/8.
func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
