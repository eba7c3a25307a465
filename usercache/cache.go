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

// Package usercache exposes the latest grants.Snapshot produced by
// the replication engine to authenticators through a small,
// connection-facing lookup API. It owns no state of its own beyond
// the atomically published snapshot pointer; all the matching logic
// lives in package grants and hostmatch.
package usercache

import (
	"sync/atomic"

	"github.com/mysqlproxy/authcore/errs"
	"github.com/mysqlproxy/authcore/grants"
	"github.com/mysqlproxy/authcore/hostmatch"
)

// SnapshotSource is implemented by the replication engine. Cache
// depends on this narrow interface rather than the engine's full
// type so it can be tested with a stub publisher.
type SnapshotSource interface {
	// Current returns the most recently published snapshot. It never
	// returns nil once the engine has completed its first load; before
	// that, callers see ErrLookupMiss for every lookup.
	Current() *grants.Snapshot
}

// Cache is the read path authenticators call on every connection
// attempt. Grounded on the original's MariaDBUserCache, and on TiDB's
// privilege.Manager interface for the shape of the exposed lookup
// (ConnectionVerification-style single call returning a decision, not
// a multi-step builder).
type Cache struct {
	source   SnapshotSource
	search   grants.UserSearchSettings
	resolver hostmatch.Resolver
}

// New returns a Cache reading snapshots from source under the given
// search settings. It performs no reverse-DNS lookups until a
// resolver is wired with SetResolver.
func New(source SnapshotSource, search grants.UserSearchSettings) *Cache {
	return &Cache{source: source, search: search}
}

// SetResolver wires the reverse-DNS resolver FindUser uses to turn a
// client address into the hostname that HOSTNAME-form host columns
// match against. Production callers should wire
// hostmatch.NewCachingResolver(hostmatch.NewNetResolver()); without a
// resolver, FindUser only ever matches IP- and mask-form host columns.
func (c *Cache) SetResolver(r hostmatch.Resolver) {
	c.resolver = r
}

// Decision is the outcome of a successful FindUser call: enough
// information for the authenticator to either proceed with password
// verification or, for proxy accounts, to substitute the proxied
// identity before token comparison.
type Decision struct {
	Entry grants.UserEntry
	// ProxiedAs is the username to authenticate as instead, set only
	// when the match was an anonymous proxy account.
	ProxiedAs string
}

// FindUser resolves (user, addr) to a Decision, or a tagged error
// from package errs describing why the connection is refused. This is
// the decision described by the Open Question resolution: (1) reject
// root outright when disallowed, (2) look up a direct entry and, if
// found, check schema access against it, (3) otherwise, if
// AllowAnonUser is set, fall back to the anonymous entry and require
// it to carry a proxy grant — schema access is deliberately NOT
// re-checked for the anonymous match, since the effective user is not
// yet known. Grounded on the original's MariaDBUserCache::find_user.
func (c *Cache) FindUser(user, addr, hostname, db string) (Decision, error) {
	if user == "root" && !c.search.AllowRootUser {
		return Decision{}, errs.ErrRootDisallowed
	}

	snap := c.source.Current()
	if snap == nil {
		return Decision{}, errs.ErrLookupMiss
	}

	if hostname == "" && addr != "" && c.resolver != nil {
		// A reverse lookup failure is not an error: it just means no
		// HOSTNAME-form host column can match this connection.
		if resolved, err := c.resolver.ReverseLookup(addr); err == nil {
			hostname = resolved
		}
	}

	direct := c.search
	direct.AllowAnonUser = false
	if entry, ok := snap.FindEntry(user, addr, hostname, direct); ok {
		if db != "" && !snap.CheckDatabaseAccess(entry, db, c.search.CaseSensitiveDB) {
			return Decision{}, errs.ErrInsufficientPrivilege
		}
		return Decision{Entry: entry}, nil
	}

	if user != "" && c.search.AllowAnonUser {
		if entry, ok := snap.FindEntry("", addr, hostname, direct); ok {
			proxied, ok := snap.FindProxyGrant(entry.Username, addr, hostname)
			if !ok {
				return Decision{}, errs.ErrNoProxyGrant
			}
			return Decision{Entry: entry, ProxiedAs: proxied}, nil
		}
	}

	return Decision{}, errs.ErrLookupMiss
}

// NewAtomicSource returns a SnapshotSource whose Set method publishes
// a new snapshot for subsequent Current calls to see. For callers
// (tests, simple CLI tools) that do not need the full replication
// engine.
func NewAtomicSource() *AtomicSource {
	return &AtomicSource{}
}

// AtomicSource is the concrete type backing NewAtomicSource.
type AtomicSource struct {
	ptr atomic.Pointer[grants.Snapshot]
}

// Current implements SnapshotSource.
func (a *AtomicSource) Current() *grants.Snapshot {
	return a.ptr.Load()
}

// Set publishes snap as the new current snapshot.
func (a *AtomicSource) Set(snap *grants.Snapshot) {
	a.ptr.Store(snap)
}
