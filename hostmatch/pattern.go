// Copyright 2024 The Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostmatch decides whether a connecting client address
// satisfies a grant table's host column. A host column value is one
// of a bare IP, a SQL LIKE pattern, a base-ip/netmask pair, or a
// hostname that must be confirmed by reverse DNS.
package hostmatch

import (
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mysqlproxy/authcore/logthrottle"
	"github.com/mysqlproxy/authcore/logutil"
)

// PatternKind classifies a host column value from mysql.user.Host.
type PatternKind int

const (
	// KindAny matches every address: an empty host column or "%".
	KindAny PatternKind = iota
	// KindLiteralIP is a bare IPv4 or IPv6 address with no wildcards.
	KindLiteralIP
	// KindMask is a "base_ip/netmask" pair, e.g. "192.168.1.0/255.255.255.0".
	KindMask
	// KindLike is a pattern containing SQL LIKE wildcards ("%", "_") or
	// plain text to be matched against either an IP or a hostname.
	KindLike
	// KindUnknown is a pattern that scans as neither address-shaped nor
	// hostname-shaped text (stray punctuation, control characters). It
	// never matches anything.
	KindUnknown
)

// Pattern is a parsed host column value, ready to be tested against
// client addresses with Matches.
type Pattern struct {
	Kind PatternKind
	raw  string

	// populated when Kind == KindMask
	baseIP  net.IP
	maskIP  net.IP
	isIPv6  bool

	// populated when Kind == KindLike or KindLiteralIP
	compiled compiledPattern
}

// ClassifyPattern parses a mysql.user.Host column value into a Pattern.
// Grounded on the original implementation's parse_pattern_type, which
// distinguishes "%", a bare IP, a base_ip/netmask pair, and a LIKE
// pattern applied to either an IP-as-text or a hostname.
func ClassifyPattern(raw string) Pattern {
	if raw == "" || raw == "%" {
		return Pattern{Kind: KindAny, raw: raw}
	}

	if base, mask, ok := splitMask(raw); ok {
		baseIP := net.ParseIP(base)
		maskIP := net.ParseIP(mask)
		if baseIP != nil && maskIP != nil {
			return Pattern{
				Kind:   KindMask,
				raw:    raw,
				baseIP: baseIP,
				maskIP: maskIP,
				isIPv6: strings.Contains(base, ":"),
			}
		}
	}

	if ip := net.ParseIP(raw); ip != nil && !strings.ContainsAny(raw, "%_") {
		return Pattern{Kind: KindLiteralIP, raw: raw, compiled: compilePattern(raw)}
	}

	if !couldBeAddressOrHostname(raw) {
		warnUnknownClassification("pattern", raw)
		return Pattern{Kind: KindUnknown, raw: raw}
	}

	return Pattern{Kind: KindLike, raw: raw, compiled: compilePattern(raw)}
}

// couldBeAddressOrHostname scans raw for the tentative could-be-address
// (digits, hex letters, '.', ':', wildcards) and could-be-hostname
// (alphanumerics, '.', '-', '_', wildcards) character sets. It reports
// false only once neither remains possible, at which point the pattern
// is classified Unknown rather than compiled as a LIKE pattern.
func couldBeAddressOrHostname(raw string) bool {
	couldBeAddress, couldBeHostname := true, true
	escaped := false
	for _, c := range raw {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\':
			escaped = true
		case c == '%' || c == '_':
			// wildcards are compatible with either tentative class.
		default:
			if !isAddressChar(c) {
				couldBeAddress = false
			}
			if !isHostnameChar(c) {
				couldBeHostname = false
			}
		}
		if !couldBeAddress && !couldBeHostname {
			return false
		}
	}
	return true
}

func isAddressChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '.' || c == ':'
}

func isHostnameChar(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '.' || c == '-' || c == '_'
}

// warnUnknownClassification logs, via the shared log throttle, that an
// address or pattern could not be classified at all.
func warnUnknownClassification(kind, raw string) {
	if d := logthrottle.Default().Allow(); d != logthrottle.Suppress {
		logutil.BgLogger().Warn("could not classify host "+kind, zap.String(kind, raw))
	}
}

func splitMask(raw string) (base, mask string, ok bool) {
	idx := strings.IndexByte(raw, '/')
	if idx < 0 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

// String returns the original host column text.
func (p Pattern) String() string {
	return p.raw
}

// AddressKind classifies a connecting client's address.
type AddressKind int

const (
	// AddrIPv4 is a dotted-quad IPv4 address.
	AddrIPv4 AddressKind = iota
	// AddrIPv6 is a colon-separated IPv6 address.
	AddrIPv6
	// AddrIPv4MappedIPv6 is an IPv6 address of the form ::ffff:a.b.c.d,
	// which the original matches against both IPv4 and IPv6 patterns.
	AddrIPv4MappedIPv6
	// AddrUnix is an empty address, a Unix domain socket path, or bare
	// hostname text such as "localhost". Matches gives it no special
	// handling: it matches "%" and any LIKE pattern its text satisfies.
	AddrUnix
	// AddrUnknown is text that is neither a parseable IP nor a
	// recognizable socket path — e.g. binary garbage on the wire.
	AddrUnknown
)

// ClassifyAddress determines the AddressKind of a textual client
// address. Grounded on the original implementation's parse_address_type.
func ClassifyAddress(addr string) AddressKind {
	if addr == "" || strings.HasPrefix(addr, "/") {
		return AddrUnix
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		if looksLikeSocketText(addr) {
			return AddrUnix
		}
		warnUnknownClassification("address", addr)
		return AddrUnknown
	}
	if v4 := ip.To4(); v4 != nil {
		if strings.Contains(addr, ":") {
			return AddrIPv4MappedIPv6
		}
		return AddrIPv4
	}
	return AddrIPv6
}

// looksLikeSocketText reports whether addr is plausibly a Unix socket
// path or a bare hostname like "localhost" — hostname characters and
// path separators only, nothing that suggests corrupted input.
func looksLikeSocketText(addr string) bool {
	for _, c := range addr {
		if c == '/' {
			continue
		}
		if !isHostnameChar(c) {
			return false
		}
	}
	return true
}

// Matches reports whether addr satisfies pattern. hostname, if
// non-empty, is the result of a prior reverse-DNS lookup for addr and
// is matched against KindLike patterns that do not parse as an IP
// form; pass "" when no reverse lookup has been performed or it
// failed.
func Matches(pattern Pattern, addr, hostname string) bool {
	switch pattern.Kind {
	case KindAny:
		return true
	case KindLiteralIP:
		return matchesLiteralIP(pattern, addr)
	case KindMask:
		return matchesMask(pattern, addr)
	case KindLike:
		return matchesLike(pattern, addr, hostname)
	case KindUnknown:
		return false
	default:
		return false
	}
}

func matchesLiteralIP(pattern Pattern, addr string) bool {
	patIP := net.ParseIP(pattern.raw)
	addrIP := net.ParseIP(normalizeMapped(addr))
	if patIP == nil || addrIP == nil {
		return pattern.raw == addr
	}
	return patIP.Equal(addrIP)
}

// normalizeMapped strips the IPv4-mapped-IPv6 form down to the plain
// dotted-quad so literal and masked IPv4 patterns keep matching
// connections that arrived over a dual-stack IPv6 listener.
func normalizeMapped(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return addr
}

func matchesMask(pattern Pattern, addr string) bool {
	addrIP := net.ParseIP(normalizeMapped(addr))
	if addrIP == nil {
		return false
	}
	base := pattern.baseIP
	mask := pattern.maskIP

	var addrBytes, baseBytes, maskBytes []byte
	if pattern.isIPv6 {
		addrBytes, baseBytes, maskBytes = addrIP.To16(), base.To16(), mask.To16()
	} else {
		addrBytes, baseBytes, maskBytes = addrIP.To4(), base.To4(), mask.To4()
	}
	if addrBytes == nil || baseBytes == nil || maskBytes == nil {
		return false
	}
	for i := range addrBytes {
		if addrBytes[i]&maskBytes[i] != baseBytes[i]&maskBytes[i] {
			return false
		}
	}
	return true
}

func matchesLike(pattern Pattern, addr, hostname string) bool {
	if patternMatch(pattern.compiled, normalizeMapped(addr)) {
		return true
	}
	if hostname != "" && patternMatch(pattern.compiled, hostname) {
		return true
	}
	return false
}

// MoreSpecific orders two patterns matching the same address by
// specificity, for insertion into Snapshot in most-specific-first
// order. It returns true if a should be preferred over b. Grounded
// on the original's ordering: literal IP > mask > LIKE with no
// wildcards > LIKE with wildcards > any.
func MoreSpecific(a, b Pattern) bool {
	ra, rb := specificityRank(a), specificityRank(b)
	if ra != rb {
		return ra < rb
	}
	// Among patterns of equal rank, the longer textual pattern is
	// usually the more constrained one (e.g. "192.168.%" vs "%").
	return len(a.raw) > len(b.raw)
}

func specificityRank(p Pattern) int {
	switch p.Kind {
	case KindLiteralIP:
		return 0
	case KindMask:
		return 1
	case KindLike:
		if !strings.ContainsAny(p.raw, "%_") {
			return 2
		}
		return 3
	default:
		return 4
	}
}

// Resolver performs the reverse-DNS lookup used to match a client
// address against hostname-form LIKE patterns. Production code wires
// *net.Resolver; tests wire a static map.
type Resolver interface {
	ReverseLookup(addr string) (hostname string, err error)
}

// netResolver adapts *net.Resolver (or the package-level net
// functions) to the Resolver interface.
type netResolver struct{}

// NewNetResolver returns a Resolver backed by the standard library's
// reverse-DNS lookup.
func NewNetResolver() Resolver {
	return netResolver{}
}

// ReverseLookup implements Resolver.
func (netResolver) ReverseLookup(addr string) (string, error) {
	names, err := net.LookupAddr(addr)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return strings.TrimSuffix(names[0], "."), nil
}

// CachingResolver wraps a Resolver with an unbounded in-memory cache,
// since reverse lookups are only needed for patterns containing
// letters rather than pure IP syntax and a given proxy address is
// looked up repeatedly across connections.
type CachingResolver struct {
	inner Resolver

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	hostname string
	err      error
}

// NewCachingResolver wraps inner with a lookup cache.
func NewCachingResolver(inner Resolver) *CachingResolver {
	return &CachingResolver{inner: inner, cache: make(map[string]cacheEntry)}
}

// ReverseLookup implements Resolver, serving from cache when possible.
// Connections from many goroutines share one CachingResolver, so both
// the map read and the on-miss fill are serialized under mu.
func (c *CachingResolver) ReverseLookup(addr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[addr]; ok {
		return e.hostname, e.err
	}
	hostname, err := c.inner.ReverseLookup(addr)
	c.cache[addr] = cacheEntry{hostname: hostname, err: err}
	return hostname, err
}
