package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/sandboxrt/srt/internal/pathutil"
)

// FilterFunc determines whether a connection to the given host:port is allowed.
// It returns true to allow the connection, false to deny it.
// If an error is returned, the connection is denied and the error is logged.
type FilterFunc func(ctx context.Context, host string, port int) (bool, error)

// Decision is the outcome of evaluating a host against a Policy.
type Decision int

const (
	// Deny refuses the connection.
	Deny Decision = iota
	// Allow permits the connection.
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// PolicyConfig holds the raw network rules.
type PolicyConfig struct {
	// AllowedDomains lists hosts that may be reached. Entries are an exact
	// host ("example.com"), a subdomain wildcard ("*.example.com"), an IP
	// address or a CIDR prefix.
	AllowedDomains []string

	// DeniedDomains uses the same syntax and always wins over AllowedDomains.
	DeniedDomains []string

	// AllowUnixSockets lists socket paths the sandbox may connect to.
	// A leading "~" is expanded.
	AllowUnixSockets []string

	// AllowAllUnixSockets permits every Unix socket.
	AllowAllUnixSockets bool
}

// rule is one compiled pattern. Exactly one of domain or prefix is set.
type rule struct {
	raw      string
	domain   string
	wildcard bool
	prefix   netip.Prefix
}

func (r rule) isIP() bool { return r.prefix.IsValid() }

// matchHost reports whether a normalized domain name matches r.
func (r rule) matchHost(host string) bool {
	if r.isIP() {
		return false
	}
	if !r.wildcard {
		return host == r.domain
	}
	// "*.example.com" matches strict subdomains only.
	suffix := "." + r.domain
	return len(host) > len(suffix) && strings.HasSuffix(host, suffix)
}

func (r rule) matchAddr(a netip.Addr) bool {
	return r.isIP() && r.prefix.Contains(a)
}

// Policy evaluates network destinations. Deny rules are checked first, then
// allow rules, and anything unmatched is denied. A Policy is immutable and
// safe for concurrent use.
type Policy struct {
	allow   []rule
	deny    []rule
	sockets map[string]struct{}
	allSock bool
}

// NewPolicy validates cfg and compiles it. A nil cfg yields a policy that
// denies everything.
func NewPolicy(cfg *PolicyConfig) (*Policy, error) {
	p := &Policy{sockets: make(map[string]struct{})}
	if cfg == nil {
		return p, nil
	}

	var err error
	if p.deny, err = compileRules(cfg.DeniedDomains); err != nil {
		return nil, fmt.Errorf("invalid denied domain: %w", err)
	}
	if p.allow, err = compileRules(cfg.AllowedDomains); err != nil {
		return nil, fmt.Errorf("invalid allowed domain: %w", err)
	}
	for _, s := range cfg.AllowUnixSockets {
		if s == "" {
			return nil, errors.New("empty unix socket path")
		}
		p.sockets[filepath.Clean(pathutil.ExpandHome(s))] = struct{}{}
	}
	p.allSock = cfg.AllowAllUnixSockets
	return p, nil
}

func compileRules(patterns []string) ([]rule, error) {
	out := make([]rule, 0, len(patterns))
	for _, pat := range patterns {
		r, err := compileRule(pat)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", pat, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func compileRule(pattern string) (rule, error) {
	if err := ValidatePattern(pattern); err != nil {
		return rule{}, err
	}
	if pfx, ok := parseIPPattern(pattern); ok {
		return rule{raw: pattern, prefix: pfx}, nil
	}
	p := normalizeHost(pattern)
	if strings.HasPrefix(p, "*.") {
		return rule{raw: pattern, domain: p[2:], wildcard: true}, nil
	}
	return rule{raw: pattern, domain: p}, nil
}

// parseIPPattern accepts "1.2.3.4", "::1", "[::1]" and CIDR prefixes.
func parseIPPattern(s string) (netip.Prefix, bool) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.Contains(s, "/") {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, false
		}
		if pfx.Addr().Is4In6() {
			bits := pfx.Bits() - 96
			if bits < 0 {
				return netip.Prefix{}, false
			}
			pfx = netip.PrefixFrom(pfx.Addr().Unmap(), bits)
		}
		return pfx.Masked(), true
	}
	a, ok := parseAddr(s)
	if !ok {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(a, a.BitLen()), true
}

// parseAddr parses an IP literal, stripping brackets and zones and
// unmapping IPv4-in-IPv6.
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return a.WithZone("").Unmap(), true
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(h, "."))
}

// ValidatePattern checks a single allow/deny entry. Valid entries are an
// exact host, "*.domain.tld", an IP address or a CIDR prefix.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errors.New("empty domain pattern")
	}
	if _, ok := parseIPPattern(pattern); ok {
		return nil
	}
	if strings.Contains(pattern, "://") {
		return errors.New("domain pattern must not contain protocol prefix")
	}
	if strings.Contains(pattern, ":") {
		return errors.New("domain pattern must not contain port")
	}
	if strings.Contains(pattern, "/") {
		return errors.New("domain pattern must not contain path")
	}
	if strings.ContainsAny(pattern, " \t\r\n") {
		return errors.New("domain pattern must not contain whitespace")
	}

	p := strings.TrimSuffix(pattern, ".")
	if strings.HasPrefix(p, "*.") {
		domain := p[2:]
		if strings.Contains(domain, "*") {
			return errors.New("wildcard (*) is only allowed at the beginning as *.<domain>")
		}
		if !strings.Contains(domain, ".") {
			return errors.New("wildcard pattern must contain at least one dot in the domain part")
		}
		return validateLabels(domain)
	}
	if strings.Contains(p, "*") {
		return errors.New("wildcard (*) is only allowed at the beginning as *.<domain>")
	}
	return validateLabels(p)
}

func validateLabels(domain string) error {
	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return errors.New("domain pattern contains an empty label")
		}
	}
	return nil
}

// Decide evaluates host, which may be a domain name or an IP literal.
// IP literals are matched only against IP and CIDR entries, and domain
// names only against domain entries.
func (p *Policy) Decide(host string) Decision {
	if host == "" {
		return Deny
	}
	if a, ok := parseAddr(host); ok {
		return p.decideAddr(a)
	}
	h := normalizeHost(host)
	for _, r := range p.deny {
		if r.matchHost(h) {
			return Deny
		}
	}
	for _, r := range p.allow {
		if r.matchHost(h) {
			return Allow
		}
	}
	return Deny
}

func (p *Policy) decideAddr(a netip.Addr) Decision {
	for _, r := range p.deny {
		if r.matchAddr(a) {
			return Deny
		}
	}
	for _, r := range p.allow {
		if r.matchAddr(a) {
			return Allow
		}
	}
	return Deny
}

// Filter adapts Decide to FilterFunc. The port does not affect the decision.
func (p *Policy) Filter(_ context.Context, host string, _ int) (bool, error) {
	return p.Decide(host) == Allow, nil
}

// AllowResolved reports whether a connection to an allowed domain may use
// the resolved address a. Addresses matching a deny entry are refused, and
// so is the cloud metadata endpoint unless an allow entry names it.
func (p *Policy) AllowResolved(a netip.Addr) bool {
	a = a.WithZone("").Unmap()
	if !a.IsValid() {
		return false
	}
	for _, r := range p.deny {
		if r.matchAddr(a) {
			return false
		}
	}
	if a == cloudMetadataAddr {
		return p.decideAddr(a) == Allow
	}
	return true
}

// cloudMetadataAddr is the well-known instance metadata endpoint.
var cloudMetadataAddr = netip.MustParseAddr("169.254.169.254")

// AllowUnixSocket reports whether the sandbox may connect to the socket at
// path. Paths are compared exactly after "~" expansion and cleaning.
func (p *Policy) AllowUnixSocket(path string) bool {
	if p.allSock {
		return true
	}
	if path == "" {
		return false
	}
	_, ok := p.sockets[filepath.Clean(pathutil.ExpandHome(path))]
	return ok
}

// UnixSockets returns the allowed socket paths in unspecified order.
func (p *Policy) UnixSockets() []string {
	out := make([]string, 0, len(p.sockets))
	for s := range p.sockets {
		out = append(out, s)
	}
	return out
}

// AllowAllUnixSockets reports whether every Unix socket is permitted.
func (p *Policy) AllowAllUnixSockets() bool { return p.allSock }

// Empty reports whether the policy has no allow entries, in which case every
// destination is denied.
func (p *Policy) Empty() bool { return len(p.allow) == 0 }
