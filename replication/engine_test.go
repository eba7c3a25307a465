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

package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mysqlproxy/authcore/config"
	"github.com/mysqlproxy/authcore/errs"
	"github.com/mysqlproxy/authcore/grants"
)

func newTestEngine() *Engine {
	e := New(config.Replication{
		UsersRefreshTime:     config.Duration{Duration: 10 * time.Millisecond},
		UsersRefreshInterval: config.Duration{Duration: time.Hour},
		AuthConnTimeout:      config.Duration{Duration: time.Second},
	})
	e.SetBackends([]Backend{{Name: "b1", Host: "127.0.0.1", Port: 3306, Active: true, Usable: true}})
	return e
}

func snapshotWithUser(name string) *grants.Snapshot {
	s := grants.NewSnapshot()
	s.AddEntry(grants.UserEntry{Username: name, HostRaw: "%"})
	return s
}

func TestRefreshPublishesFirstSuccessfulBackend(t *testing.T) {
	e := newTestEngine()
	e.SetBackends([]Backend{
		{Name: "bad", Host: "10.0.0.1", Port: 3306, Active: true, Usable: true},
		{Name: "good", Host: "10.0.0.2", Port: 3306, Active: true, Usable: true},
	})

	calls := []string{}
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		calls = append(calls, b.Name)
		if b.Name == "bad" {
			return nil, errs.ErrConnectFailed
		}
		return snapshotWithUser("alice"), nil
	}

	err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"bad", "good"}, calls)

	snap := e.Current()
	require.NotNil(t, snap)
	_, ok := snap.FindEntry("alice", "10.0.0.9", "", grants.UserSearchSettings{MatchHostPattern: true})
	require.True(t, ok)
}

func TestRefreshStopsOnInvalidData(t *testing.T) {
	e := newTestEngine()
	e.SetBackends([]Backend{
		{Name: "broken-schema", Host: "10.0.0.1", Port: 3306, Active: true, Usable: true},
		{Name: "never-tried", Host: "10.0.0.2", Port: 3306, Active: true, Usable: true},
	})

	calls := []string{}
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		calls = append(calls, b.Name)
		return nil, errs.ErrInvalidData
	}

	err := e.Refresh(context.Background())
	require.Error(t, err)
	require.Equal(t, []string{"broken-schema"}, calls,
		"an invalid-data failure must not fall through to the next backend")
}

func TestRefreshNoBackendsConfigured(t *testing.T) {
	e := New(config.Replication{})
	err := e.Refresh(context.Background())
	require.Error(t, err)
}

func TestPublishSkipsIdenticalSnapshot(t *testing.T) {
	e := newTestEngine()
	calls := 0
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		calls++
		return snapshotWithUser("alice"), nil
	}

	require.NoError(t, e.Refresh(context.Background()))
	first := e.Current()

	require.NoError(t, e.Refresh(context.Background()))
	second := e.Current()

	require.Same(t, first, second, "an unchanged snapshot should not be republished")
	require.Equal(t, 2, calls)
}

func TestStartRequestUpdateStop(t *testing.T) {
	e := newTestEngine()
	done := make(chan struct{})
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		defer close(done)
		return snapshotWithUser("bob"), nil
	}

	e.Start(context.Background())
	e.RequestUpdate()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the scheduling loop to refresh")
	}

	e.Stop()
	require.NotNil(t, e.Current())
}

func TestRefreshSkipsInactiveAndUnusableBackends(t *testing.T) {
	e := newTestEngine()
	e.SetBackends([]Backend{
		{Name: "inactive", Host: "10.0.0.1", Port: 3306, Active: false, Usable: true},
		{Name: "unusable", Host: "10.0.0.2", Port: 3306, Active: true, Usable: false},
		{Name: "good", Host: "10.0.0.3", Port: 3306, Active: true, Usable: true},
	})

	calls := []string{}
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		calls = append(calls, b.Name)
		return snapshotWithUser("alice"), nil
	}

	require.NoError(t, e.Refresh(context.Background()))
	require.Equal(t, []string{"good"}, calls, "inactive and unusable backends must never be dialed")
}

func TestRefreshWithNoUsableBackendsWarnsOnce(t *testing.T) {
	e := newTestEngine()
	e.SetBackends([]Backend{
		{Name: "down", Host: "10.0.0.1", Port: 3306, Active: true, Usable: false},
	})

	err := e.Refresh(context.Background())
	require.True(t, errors.Is(err, errs.ErrConnectFailed))
	require.True(t, e.noServersWarned.Load())

	e.SetBackends([]Backend{
		{Name: "up", Host: "10.0.0.1", Port: 3306, Active: true, Usable: true},
	})
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		return snapshotWithUser("alice"), nil
	}
	require.NoError(t, e.Refresh(context.Background()))
	require.False(t, e.noServersWarned.Load(), "a successful load must clear the warn_no_servers latch")
}

func TestSetCredentialsIsObservedByLoader(t *testing.T) {
	e := newTestEngine()
	var seen Credentials
	e.loadBackend = func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
		seen = creds
		return snapshotWithUser("x"), nil
	}
	e.SetCredentials(Credentials{Username: "svc", Password: "secret"})
	require.NoError(t, e.Refresh(context.Background()))
	require.Equal(t, "svc", seen.Username)
}
