package ratelimit

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// keySeparator joins the components of an admission key.
const keySeparator = ":"

// maxComponentLen bounds each caller-supplied key component.
// Longer values are replaced by a digest so keys stay small.
const maxComponentLen = 128

// Identity prefixes keep authenticated actors and address-derived
// pseudo-identities in disjoint key spaces.
const (
	actorIdentityPrefix   = "u="
	addressIdentityPrefix = "ip="
)

// FormatKey returns a structured admission key.
// Format: "{scope}:{endpoint}:{identity}"
// Examples:
//   - FormatKey(ScopeActor, "query", "u=alice") -> "actor:query:u=alice"
//   - FormatKey(ScopeGroup, "export", "acme") -> "group:export:acme"
//
// Endpoint and identity are escaped so neither can inject a separator.
func FormatKey(scope Scope, endpoint, identity string) string {
	return string(scope) + keySeparator + sanitizeComponent(endpoint) + keySeparator + sanitizeComponent(identity)
}

// ActorKey derives the actor-layer key for req.
// The authenticated actor wins; the client address is used only for anonymous callers.
// Returns false when neither is available.
func ActorKey(req Request) (string, bool) {
	if req.ActorID != "" {
		return FormatKey(ScopeActor, req.Endpoint, actorIdentityPrefix+req.ActorID), true
	}
	if req.ClientAddr != "" {
		return FormatKey(ScopeActor, req.Endpoint, addressIdentityPrefix+req.ClientAddr), true
	}
	return "", false
}

// GroupKey derives the group-layer key for req.
// Returns false when the request carries no group, meaning the group layer is skipped.
func GroupKey(req Request) (string, bool) {
	if req.GroupID == "" {
		return "", false
	}
	return FormatKey(ScopeGroup, req.Endpoint, req.GroupID), true
}

// sanitizeComponent escapes the separator, '%' and control characters,
// and replaces overlong values by "%h" plus their xxhash64 digest.
// A sanitized value never contains a raw "%h", so digests cannot be forged.
func sanitizeComponent(s string) string {
	if len(s) > maxComponentLen {
		return fmt.Sprintf("%%h%016x", xxhash.Sum64String(s))
	}
	if !needsEscape(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escapeByte(c) {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		if escapeByte(s[i]) {
			return true
		}
	}
	return false
}

func escapeByte(c byte) bool {
	return c == ':' || c == '%' || c < 0x20 || c == 0x7f
}

// TrustedProxies is the set of peers allowed to assert a client address
// through a forwarded-address header. The zero value trusts nobody.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies parses CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var tp TrustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			tp.prefixes = append(tp.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return TrustedProxies{}, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return tp, nil
}

// Trusts reports whether addr belongs to a trusted proxy.
func (t TrustedProxies) Trusts(addr string) bool {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ClientAddress picks the address used as pseudo-identity for anonymous callers.
// The first entry of the forwarded chain is honoured only when the immediate
// peer is a trusted proxy; otherwise the peer address itself is used.
// Forwarded values that do not parse as an IP address are ignored.
func (t TrustedProxies) ClientAddress(peer, forwardedFor string) string {
	if forwardedFor == "" || !t.Trusts(peer) {
		return peer
	}
	first, _, _ := strings.Cut(forwardedFor, ",")
	first = strings.TrimSpace(first)
	addr, err := netip.ParseAddr(first)
	if err != nil {
		return peer
	}
	return addr.Unmap().String()
}
