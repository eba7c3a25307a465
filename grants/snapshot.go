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

// Package grants holds an immutable point-in-time view of a backend's
// grant tables: one entry per (user, host) pair, the databases and
// roles each user may reach, and the anonymous-user proxy grants used
// for PAM/LDAP-style passthrough authentication.
package grants

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mysqlproxy/authcore/hostmatch"
)

// UserEntry is one row of mysql.user, plus everything needed to
// decide whether a connecting client may use it: its host pattern,
// its password hash, and whether it is a role rather than a login
// account. Grounded on the original's mariadb::UserEntry plus
// TiDB's UserRecord/baseRecord pair.
type UserEntry struct {
	Username     string
	HostPattern  hostmatch.Pattern
	HostRaw      string
	PasswordHash string
	// AuthString is the opaque authentication_string column, consumed
	// by non-native auth plugins (pam, ed25519, ...) instead of
	// PasswordHash.
	AuthString string
	// PluginName is the server-side auth plugin this account was
	// created with (mysql_native_password, ed25519, pam, ...).
	PluginName string
	// IsRole marks an entry that exists only to be GRANTed to other
	// users/roles, never to log in directly.
	IsRole bool
	// DefaultRoles lists roles activated automatically on login.
	DefaultRoles []string
	// GlobalPrivBits is a bitmask of schema-independent privileges.
	GlobalPrivBits uint32
	// SSLType records whether the account requires TLS (none, any,
	// x509, or a specific subject/issuer) for the replication engine
	// to propagate into the authenticator's connection checks.
	SSLType string
}

// DBEntry grants a (user, host) pair access to one database, or to
// all databases when DBPattern is "%".
type DBEntry struct {
	Username  string
	HostRaw   string
	DBPattern string
	PrivBits  uint32
}

// RoleEdge is one row of mysql.roles_mapping. The table does double
// duty: a row with FromHost set assigns ToRole to a real account
// (FromRole@FromHost); a row with FromHost empty assigns ToRole to
// another role (FromRole), forming the role-hierarchy graph that
// CheckDatabaseAccess's BFS walks once activation is confirmed.
type RoleEdge struct {
	FromRole string
	FromHost string
	ToRole   string
}

// ProxyGrant is one row of mysql.proxies_priv: ProxyUser may log in
// as ProxiedUser after authenticating externally (PAM, LDAP).
type ProxyGrant struct {
	ProxyUser   string
	ProxyHost   hostmatch.Pattern
	ProxyHostRaw string
	ProxiedUser string
	ProxiedHost string
}

// Snapshot is an immutable grant table view. All lookup methods are
// safe for concurrent use; Snapshot is never mutated after
// construction, only replaced wholesale by the replication engine.
// Grounded on the original's mariadb::UserDatabase and TiDB's
// MySQLPrivilege.
type Snapshot struct {
	// entries is kept sorted most-specific-host-first per username,
	// mirroring the original's find_entry linear scan order.
	entries map[string][]UserEntry
	dbs     []DBEntry
	roles   []RoleEdge
	proxies []ProxyGrant
}

// NewSnapshot returns an empty Snapshot, ready for AddEntry.
func NewSnapshot() *Snapshot {
	return &Snapshot{entries: make(map[string][]UserEntry)}
}

// NumUsernames returns the number of distinct usernames with at least
// one entry.
func (s *Snapshot) NumUsernames() int {
	return len(s.entries)
}

// NumEntries returns the total number of (user, host) entries.
func (s *Snapshot) NumEntries() int {
	n := 0
	for _, es := range s.entries {
		n += len(es)
	}
	return n
}

// AddEntry inserts e into the snapshot, keeping each username's
// entries ordered most-specific-host-first so FindEntry's linear scan
// returns the first (and therefore most specific) match. Grounded on
// the original's UserDatabase::add_entry upper_bound insertion.
func (s *Snapshot) AddEntry(e UserEntry) {
	if e.HostPattern.String() == "" && e.HostRaw != "" {
		e.HostPattern = hostmatch.ClassifyPattern(e.HostRaw)
	}
	list := s.entries[e.Username]
	idx := sort.Search(len(list), func(i int) bool {
		return hostmatch.MoreSpecific(e.HostPattern, list[i].HostPattern)
	})
	list = append(list, UserEntry{})
	copy(list[idx+1:], list[idx:])
	list[idx] = e
	s.entries[e.Username] = list
}

// SetDBsAndRoles replaces the database-grant and role-edge tables
// wholesale, called once per snapshot build after all mysql.db,
// tables_priv/columns_priv (merged into per-schema rows by the loader)
// and roles_mapping rows have been read.
func (s *Snapshot) SetDBsAndRoles(dbs []DBEntry, roles []RoleEdge) {
	s.dbs = dbs
	s.roles = roles
}

// AddProxyGrant records one mysql.proxies_priv row.
func (s *Snapshot) AddProxyGrant(g ProxyGrant) {
	if g.ProxyHost.String() == "" && g.ProxyHostRaw != "" {
		g.ProxyHost = hostmatch.ClassifyPattern(g.ProxyHostRaw)
	}
	s.proxies = append(s.proxies, g)
}

// UserSearchSettings tunes FindEntry's and CheckDatabaseAccess's
// matching behavior, mirroring the authenticator options the original
// reads from its listener configuration.
type UserSearchSettings struct {
	// AllowRootUser permits lookups for the "root" account; when
	// false, FindEntry never returns a root entry.
	AllowRootUser bool
	// AllowAnonUser permits FindEntry to fall back to the empty-
	// username slot when no entry matches the requested username.
	AllowAnonUser bool
	// MatchHostPattern enables host-pattern matching; when false,
	// FindEntry returns the first non-role entry for the username
	// regardless of the client address (skip_authentication=true in
	// the inline authenticator options maps to this being false).
	MatchHostPattern bool
	// CaseSensitiveDB controls whether CheckDatabaseAccess compares
	// schema names case-sensitively (lower_case_table_names=true in
	// the inline authenticator options maps to this being false).
	CaseSensitiveDB bool
	// AllowServiceUser is reserved: it is threaded through from
	// configuration but does not alter FindEntry or
	// CheckDatabaseAccess; it exists for an injected service-account
	// lookup path outside this package's scope.
	AllowServiceUser bool
}

// FindEntry returns the most specific non-role UserEntry whose
// username matches user and whose host pattern matches addr
// (optionally confirmed via hostname from a reverse lookup), or false
// if none matches. It also considers the anonymous user (username "")
// as a fallback when settings.AllowAnonUser is set: any matching named
// entry wins over the anonymous one, whatever their host specificity,
// and the anonymous slot is consulted only when no named entry matches
// at all. Grounded on the original's UserDatabase::find_entry.
func (s *Snapshot) FindEntry(user, addr, hostname string, settings UserSearchSettings) (UserEntry, bool) {
	if user == "root" && !settings.AllowRootUser {
		return UserEntry{}, false
	}
	if e, ok := s.findEntryByUser(user, addr, hostname, settings.MatchHostPattern); ok {
		return e, true
	}
	if user != "" && settings.AllowAnonUser {
		if e, ok := s.findEntryByUser("", addr, hostname, settings.MatchHostPattern); ok {
			return e, true
		}
	}
	return UserEntry{}, false
}

func (s *Snapshot) findEntryByUser(user, addr, hostname string, matchHost bool) (UserEntry, bool) {
	if !matchHost {
		for _, e := range s.entries[user] {
			if !e.IsRole {
				return e, true
			}
		}
		return UserEntry{}, false
	}
	for _, e := range s.entries[user] {
		if e.IsRole {
			continue
		}
		if hostmatch.Matches(e.HostPattern, addr, hostname) {
			return e, true
		}
	}
	return UserEntry{}, false
}

// CheckDatabaseAccess reports whether entry's user has access to db,
// either directly or through a (possibly transitive) role, comparing
// schema names case-sensitively iff caseSensitiveDB is true. The role
// walk only starts from a role in the entry's DefaultRoles (read from
// mysql.user.default_role by the loader) that roles_mapping also
// assigns to user@host — a default_role column value with no
// corresponding roles_mapping row is never granted transitively. Grounded on the original's
// UserDatabase::check_database_access, whose role walk is a BFS over
// RoleEdge guarded by a closed set to tolerate cycles in the role
// grant graph.
func (s *Snapshot) CheckDatabaseAccess(entry UserEntry, db string, caseSensitiveDB bool) bool {
	if db == "" {
		return true
	}
	if entry.GlobalPrivBits != 0 {
		return true
	}
	if s.hasDirectDBAccess(entry.Username, entry.HostRaw, db, caseSensitiveDB) {
		return true
	}

	visited := map[string]bool{}
	var queue []string
	for _, role := range entry.DefaultRoles {
		if !s.roleAssigned(entry.Username, entry.HostRaw, role) {
			continue
		}
		if !visited[role] {
			visited[role] = true
			queue = append(queue, role)
		}
	}
	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		if s.roleHasGlobalPriv(role) {
			return true
		}
		if s.hasDirectDBAccess(role, "", db, caseSensitiveDB) {
			return true
		}
		for _, edge := range s.roles {
			if edge.FromHost == "" && edge.FromRole == role && !visited[edge.ToRole] {
				visited[edge.ToRole] = true
				queue = append(queue, edge.ToRole)
			}
		}
	}
	return false
}

// roleAssigned reports whether roles_mapping actually grants role to
// username@hostRaw, the precondition for walking a default_role that
// may otherwise be a dangling reference on mysql.user.
func (s *Snapshot) roleAssigned(username, hostRaw, role string) bool {
	for _, edge := range s.roles {
		if edge.FromRole == username && edge.FromHost == hostRaw && edge.ToRole == role {
			return true
		}
	}
	return false
}

// roleHasGlobalPriv reports whether role's own mysql.user row (the
// first entry in its bucket, since role entries carry no host
// specificity) has global_db_priv set, per spec's "users[R] (first
// entry) is a role with global_db_priv" BFS success condition.
func (s *Snapshot) roleHasGlobalPriv(role string) bool {
	list := s.entries[role]
	if len(list) == 0 {
		return false
	}
	return list[0].GlobalPrivBits != 0
}

func (s *Snapshot) hasDirectDBAccess(username, hostRaw, db string, caseSensitiveDB bool) bool {
	for _, d := range s.dbs {
		if d.Username != username {
			continue
		}
		if hostRaw != "" && d.HostRaw != "" && d.HostRaw != hostRaw {
			continue
		}
		if dbPatternMatches(d.DBPattern, db, caseSensitiveDB) {
			return true
		}
	}
	return false
}

func dbPatternMatches(pattern, db string, caseSensitiveDB bool) bool {
	if !caseSensitiveDB {
		pattern = strings.ToLower(pattern)
		db = strings.ToLower(db)
	}
	if pattern == "%" || pattern == db {
		return true
	}
	if !strings.ContainsAny(pattern, "%_") {
		return false
	}
	if caseSensitiveDB {
		// hostmatch's LIKE matcher folds case, so translate to a regexp.
		wild, expr := map[byte]string{'%': ".*", '_': "."}, "(?s)^"
		for i := 0; i < len(pattern); i++ {
			if w, ok := wild[pattern[i]]; ok {
				expr += w
				continue
			}
			if pattern[i] == '\\' && i+1 < len(pattern) {
				i++
			}
			expr += regexp.QuoteMeta(pattern[i : i+1])
		}
		return regexp.MustCompile(expr + "$").MatchString(db)
	}
	return hostmatch.MatchLike(hostmatch.CompileLike(pattern), db)
}

// FindAllRoles returns the full transitive closure of roles reachable
// from the given starting roles, for callers (e.g. ShowGrants-style
// diagnostics) that need the whole set rather than a single
// membership test.
func (s *Snapshot) FindAllRoles(start []string) []string {
	visited := map[string]bool{}
	queue := append([]string(nil), start...)
	for _, r := range queue {
		visited[r] = true
	}
	for i := 0; i < len(queue); i++ {
		role := queue[i]
		for _, edge := range s.roles {
			if edge.FromHost == "" && edge.FromRole == role && !visited[edge.ToRole] {
				visited[edge.ToRole] = true
				queue = append(queue, edge.ToRole)
			}
		}
	}
	return queue
}

// FindProxyGrant returns the proxied username that proxyUser may
// assume when connecting from addr, or false if no proxy grant
// matches. Grounded on the original's UserDatabase::find_entry
// handling of anonymous PAM/LDAP users: the proxy table is scanned
// linearly in insertion order and the first matching row wins; rows
// are not ordered by host specificity.
func (s *Snapshot) FindProxyGrant(proxyUser, addr, hostname string) (string, bool) {
	for _, g := range s.proxies {
		if g.ProxyUser != proxyUser {
			continue
		}
		if hostmatch.Matches(g.ProxyHost, addr, hostname) {
			return g.ProxiedUser, true
		}
	}
	return "", false
}

// EqualContents reports whether s and other describe the same grant
// data. The db-grant, role and proxy tables are compared ignoring row
// order; each username's entries are compared position by position in
// their specificity order. The replication engine uses this to skip
// republishing a snapshot whose contents equal the currently
// published one, avoiding a pointless cache invalidation on every
// poll. Grounded on the original's UserDatabase::equal_contents.
func (s *Snapshot) EqualContents(other *Snapshot) bool {
	if other == nil {
		return false
	}
	if s.NumEntries() != other.NumEntries() || len(s.dbs) != len(other.dbs) ||
		len(s.roles) != len(other.roles) || len(s.proxies) != len(other.proxies) {
		return false
	}
	for user, list := range s.entries {
		otherList, ok := other.entries[user]
		if !ok || len(list) != len(otherList) {
			return false
		}
		for i, e := range list {
			if !entriesEqual(e, otherList[i]) {
				return false
			}
		}
	}
	if !equalAsMultiset(dbKeys(s.dbs), dbKeys(other.dbs)) {
		return false
	}
	if !equalAsMultiset(roleKeys(s.roles), roleKeys(other.roles)) {
		return false
	}
	if !equalAsMultiset(proxyKeys(s.proxies), proxyKeys(other.proxies)) {
		return false
	}
	return true
}

// equalAsMultiset reports whether a and b contain the same keys with
// the same multiplicities, ignoring order. Used by EqualContents for
// the dbs/roles/proxies tables, which carry no stable insertion order
// across two independently-loaded snapshots.
func equalAsMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, k := range a {
		counts[k]++
	}
	for _, k := range b {
		counts[k]--
	}
	for _, n := range counts {
		if n != 0 {
			return false
		}
	}
	return true
}

func dbKeys(dbs []DBEntry) []string {
	keys := make([]string, len(dbs))
	for i, d := range dbs {
		keys[i] = strings.Join([]string{d.Username, d.HostRaw, d.DBPattern, strconv.FormatUint(uint64(d.PrivBits), 10)}, "\x00")
	}
	return keys
}

func roleKeys(roles []RoleEdge) []string {
	keys := make([]string, len(roles))
	for i, r := range roles {
		keys[i] = strings.Join([]string{r.FromRole, r.FromHost, r.ToRole}, "\x00")
	}
	return keys
}

func proxyKeys(proxies []ProxyGrant) []string {
	keys := make([]string, len(proxies))
	for i, p := range proxies {
		keys[i] = strings.Join([]string{p.ProxyUser, p.ProxyHostRaw, p.ProxiedUser, p.ProxiedHost}, "\x00")
	}
	return keys
}

func entriesEqual(a, b UserEntry) bool {
	return a.Username == b.Username &&
		a.HostRaw == b.HostRaw &&
		a.PasswordHash == b.PasswordHash &&
		a.AuthString == b.AuthString &&
		a.PluginName == b.PluginName &&
		a.IsRole == b.IsRole &&
		a.GlobalPrivBits == b.GlobalPrivBits &&
		a.SSLType == b.SSLType &&
		stringSlicesEqual(a.DefaultRoles, b.DefaultRoles)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep-enough copy of s for a loader to mutate while
// building the next snapshot generation without disturbing the one
// currently published to readers.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	for user, list := range s.entries {
		c.entries[user] = append([]UserEntry(nil), list...)
	}
	c.dbs = append([]DBEntry(nil), s.dbs...)
	c.roles = append([]RoleEdge(nil), s.roles...)
	c.proxies = append([]ProxyGrant(nil), s.proxies...)
	return c
}
