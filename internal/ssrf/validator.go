// Package ssrf validates outbound targets before any connection is made. A
// URL is accepted only when its scheme is http or https and every address its
// host resolves to lies outside the blocked ranges. The resolved set is
// returned so the dialer can connect to exactly those addresses.
package ssrf

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/skolhustick/mdwnio/internal/mdwn"
)

// DefaultBlocked lists loopback, private, link-local, carrier-grade NAT,
// multicast, reserved, and documentation ranges for IPv4 and IPv6. IPv4
// destinations embedded in NAT64 and 6to4 addresses are checked separately
// against the same list.
var DefaultBlocked = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("2001::/32"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

var (
	nat64Prefix     = netip.MustParsePrefix("64:ff9b::/96")
	sixToFourPrefix = netip.MustParsePrefix("2002::/16")
)

// Resolver looks up the addresses for a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Target is a URL that passed validation together with the addresses its host
// resolved to at validation time. Only Validate constructs it.
type Target struct {
	URL   *url.URL
	Addrs []netip.Addr
}

// Host returns the lower-case hostname the Target was validated for.
func (t Target) Host() string {
	return strings.ToLower(t.URL.Hostname())
}

// Port returns the explicit port or the scheme default.
func (t Target) Port() string {
	if p := t.URL.Port(); p != "" {
		return p
	}
	if strings.EqualFold(t.URL.Scheme, "http") {
		return "80"
	}
	return "443"
}

// Validator checks URLs against a blocklist of address ranges.
type Validator struct {
	resolver Resolver
	blocked  []netip.Prefix
}

// NewValidator builds a Validator. A nil resolver uses net.DefaultResolver and
// an empty blocked list uses DefaultBlocked.
func NewValidator(resolver Resolver, blocked ...netip.Prefix) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if len(blocked) == 0 {
		blocked = DefaultBlocked
	}
	return &Validator{resolver: resolver, blocked: append([]netip.Prefix(nil), blocked...)}
}

// Validate checks u and resolves its host. A literal IP is checked directly;
// a hostname is rejected when any resolved address is blocked.
func (v *Validator) Validate(ctx context.Context, u *url.URL) (Target, error) {
	if err := mdwn.CheckURL(u); err != nil {
		return Target{}, err
	}
	cp := *u
	if err := mdwn.ASCIIHost(&cp); err != nil {
		return Target{}, err
	}
	host := cp.Hostname()

	var addrs []netip.Addr
	if literal, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{literal}
	} else {
		resolved, err := v.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.DeadlineExceeded) {
				return Target{}, mdwn.Wrap(mdwn.KindTimeout, err, "resolving %s timed out", host)
			}
			return Target{}, mdwn.Wrap(mdwn.KindUnreachable, err, "cannot resolve %s", host)
		}
		addrs = resolved
	}
	if len(addrs) == 0 {
		return Target{}, mdwn.Errorf(mdwn.KindUnreachable, "%s resolved to no addresses", host)
	}

	clean := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap().WithZone("")
		if v.IsBlocked(addr) {
			return Target{}, mdwn.Errorf(mdwn.KindBlocked, "%s resolves to blocked address %s", host, addr)
		}
		clean = append(clean, addr)
	}

	return Target{URL: &cp, Addrs: clean}, nil
}

// IsBlocked reports whether addr, or the IPv4 address a translation prefix
// carries inside it, falls in a blocked range.
func (v *Validator) IsBlocked(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if v.inBlockedRange(addr) {
		return true
	}
	if embedded, ok := embeddedIPv4(addr); ok {
		return v.inBlockedRange(embedded)
	}
	return false
}

func (v *Validator) inBlockedRange(addr netip.Addr) bool {
	for _, prefix := range v.blocked {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// embeddedIPv4 extracts the IPv4 destination of a NAT64 (RFC 6052 /96) or
// 6to4 address.
func embeddedIPv4(addr netip.Addr) (netip.Addr, bool) {
	if !addr.Is6() {
		return netip.Addr{}, false
	}
	b := addr.As16()
	switch {
	case nat64Prefix.Contains(addr):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), true
	case sixToFourPrefix.Contains(addr):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), true
	}
	return netip.Addr{}, false
}
