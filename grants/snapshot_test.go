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

package grants

import (
	"testing"

	"github.com/mysqlproxy/authcore/hostmatch"
	"github.com/stretchr/testify/require"
)

func newEntry(user, host string) UserEntry {
	return UserEntry{
		Username:    user,
		HostRaw:     host,
		HostPattern: hostmatch.ClassifyPattern(host),
	}
}

func TestFindEntryPrefersMostSpecificHost(t *testing.T) {
	snap := NewSnapshot()
	snap.AddEntry(newEntry("alice", "%"))
	snap.AddEntry(newEntry("alice", "192.168.1.5"))
	snap.AddEntry(newEntry("alice", "192.168.%"))

	e, ok := snap.FindEntry("alice", "192.168.1.5", "", UserSearchSettings{MatchHostPattern: true})
	require.True(t, ok)
	require.Equal(t, "192.168.1.5", e.HostRaw)

	e, ok = snap.FindEntry("alice", "192.168.1.99", "", UserSearchSettings{MatchHostPattern: true})
	require.True(t, ok)
	require.Equal(t, "192.168.%", e.HostRaw)

	e, ok = snap.FindEntry("alice", "10.0.0.1", "", UserSearchSettings{MatchHostPattern: true})
	require.True(t, ok)
	require.Equal(t, "%", e.HostRaw)
}

func TestFindEntryHostlessWhenMatchHostPatternDisabled(t *testing.T) {
	snap := NewSnapshot()
	snap.AddEntry(newEntry("alice", "192.168.1.5"))

	e, ok := snap.FindEntry("alice", "10.0.0.1", "", UserSearchSettings{MatchHostPattern: false})
	require.True(t, ok, "with MatchHostPattern disabled, the username alone must resolve")
	require.Equal(t, "192.168.1.5", e.HostRaw)
}

func TestFindEntryFallsBackToAnonymous(t *testing.T) {
	snap := NewSnapshot()
	snap.AddEntry(newEntry("", "%"))

	_, ok := snap.FindEntry("bob", "10.0.0.1", "", UserSearchSettings{MatchHostPattern: true})
	require.False(t, ok, "AllowAnonUser defaults to false, so no fallback should occur")

	e, ok := snap.FindEntry("bob", "10.0.0.1", "", UserSearchSettings{MatchHostPattern: true, AllowAnonUser: true})
	require.True(t, ok)
	require.Equal(t, "", e.Username)
}

func TestFindEntryRootDisallowed(t *testing.T) {
	snap := NewSnapshot()
	snap.AddEntry(newEntry("root", "localhost"))

	_, ok := snap.FindEntry("root", "localhost", "", UserSearchSettings{AllowRootUser: false, MatchHostPattern: true})
	require.False(t, ok)

	_, ok = snap.FindEntry("root", "localhost", "", UserSearchSettings{AllowRootUser: true, MatchHostPattern: true})
	require.True(t, ok)
}

func TestRoleTransitivityThroughCycle(t *testing.T) {
	snap := NewSnapshot()
	entry := newEntry("svc", "%")
	entry.DefaultRoles = []string{"role_a"}

	snap.SetDBsAndRoles(
		[]DBEntry{
			{Username: "role_c", DBPattern: "reports"},
		},
		[]RoleEdge{
			{FromRole: "svc", FromHost: "%", ToRole: "role_a"}, // roles_mapping activation
			{FromRole: "role_a", ToRole: "role_b"},
			{FromRole: "role_b", ToRole: "role_a"}, // cycle back to role_a
			{FromRole: "role_b", ToRole: "role_c"},
		},
	)

	require.True(t, snap.CheckDatabaseAccess(entry, "reports", true),
		"role_c is reachable from role_a only through role_b despite the a<->b cycle")
	require.False(t, snap.CheckDatabaseAccess(entry, "other", true))
}

func TestRoleTransitivityRequiresRolesMappingActivation(t *testing.T) {
	snap := NewSnapshot()
	entry := newEntry("svc", "%")
	entry.DefaultRoles = []string{"role_a"} // dangling: never assigned via roles_mapping

	snap.SetDBsAndRoles(
		[]DBEntry{{Username: "role_a", DBPattern: "reports"}},
		nil,
	)

	require.False(t, snap.CheckDatabaseAccess(entry, "reports", true),
		"a default_role with no roles_mapping row must not grant access")
}

func TestCheckDatabaseAccessDirectGrant(t *testing.T) {
	snap := NewSnapshot()
	entry := newEntry("alice", "%")
	snap.SetDBsAndRoles([]DBEntry{
		{Username: "alice", DBPattern: "app_%"},
	}, nil)

	require.True(t, snap.CheckDatabaseAccess(entry, "app_prod", true))
	require.False(t, snap.CheckDatabaseAccess(entry, "other", true))
}

func TestCheckDatabaseAccessCaseInsensitive(t *testing.T) {
	snap := NewSnapshot()
	entry := newEntry("alice", "%")
	snap.SetDBsAndRoles([]DBEntry{
		{Username: "alice", DBPattern: "App_Prod"},
	}, nil)

	require.False(t, snap.CheckDatabaseAccess(entry, "app_prod", true))
	require.True(t, snap.CheckDatabaseAccess(entry, "app_prod", false))
}

func TestCheckDatabaseAccessGlobalPriv(t *testing.T) {
	snap := NewSnapshot()
	entry := newEntry("root", "localhost")
	entry.GlobalPrivBits = 1

	require.True(t, snap.CheckDatabaseAccess(entry, "anything", true))
}

func TestCheckDatabaseAccessRoleGlobalPrivReachedTransitively(t *testing.T) {
	snap := NewSnapshot()
	entry := newEntry("svc", "%")
	entry.DefaultRoles = []string{"role_a"}

	roleA := newEntry("role_a", "")
	snap.AddEntry(roleA)
	roleB := newEntry("role_b", "")
	roleB.GlobalPrivBits = 1
	snap.AddEntry(roleB)

	snap.SetDBsAndRoles(
		nil,
		[]RoleEdge{
			{FromRole: "svc", FromHost: "%", ToRole: "role_a"},
			{FromRole: "role_a", ToRole: "role_b"},
		},
	)

	require.True(t, snap.CheckDatabaseAccess(entry, "anything", true),
		"role_b's own global_db_priv must grant access even though it carries no db_grants row")
}

func TestAnonymousWithProxyGrant(t *testing.T) {
	snap := NewSnapshot()
	snap.AddProxyGrant(ProxyGrant{
		ProxyUser:    "",
		ProxyHostRaw: "%",
		ProxiedUser:  "service_account",
	})

	proxied, ok := snap.FindProxyGrant("", "10.0.0.9", "")
	require.True(t, ok)
	require.Equal(t, "service_account", proxied)

	_, ok = snap.FindProxyGrant("unmapped", "10.0.0.9", "")
	require.False(t, ok)
}

func TestEqualContents(t *testing.T) {
	a := NewSnapshot()
	a.AddEntry(newEntry("alice", "%"))
	b := NewSnapshot()
	b.AddEntry(newEntry("alice", "%"))

	require.True(t, a.EqualContents(b))

	b.AddEntry(newEntry("bob", "%"))
	require.False(t, a.EqualContents(b))
}

func TestEqualContentsDetectsSameCountDifferentDBGrants(t *testing.T) {
	a := NewSnapshot()
	a.AddEntry(newEntry("alice", "%"))
	a.SetDBsAndRoles([]DBEntry{{Username: "alice", DBPattern: "sales"}}, nil)

	b := NewSnapshot()
	b.AddEntry(newEntry("alice", "%"))
	b.SetDBsAndRoles([]DBEntry{{Username: "alice", DBPattern: "hr"}}, nil)

	require.False(t, a.EqualContents(b),
		"same db-grant count with different content must not be reported as equal")
}

func TestEqualContentsDetectsSameCountDifferentRoleEdges(t *testing.T) {
	a := NewSnapshot()
	a.AddEntry(newEntry("svc", "%"))
	a.SetDBsAndRoles(nil, []RoleEdge{{FromRole: "svc", FromHost: "%", ToRole: "role_a"}})

	b := NewSnapshot()
	b.AddEntry(newEntry("svc", "%"))
	b.SetDBsAndRoles(nil, []RoleEdge{{FromRole: "svc", FromHost: "%", ToRole: "role_b"}})

	require.False(t, a.EqualContents(b),
		"same role-edge count with a different edge must not be reported as equal")
}

func TestCloneIsIndependent(t *testing.T) {
	a := NewSnapshot()
	a.AddEntry(newEntry("alice", "%"))

	clone := a.Clone()
	clone.AddEntry(newEntry("bob", "%"))

	require.Equal(t, 1, a.NumUsernames())
	require.Equal(t, 2, clone.NumUsernames())
}
