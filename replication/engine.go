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

// Package replication polls a set of backend servers for their grant
// tables and publishes the merged result as a grants.Snapshot for
// usercache.Cache to read. Grounded on the original's
// MariaDBUserManager::updater_thread_function.
package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mysqlproxy/authcore/config"
	"github.com/mysqlproxy/authcore/errs"
	"github.com/mysqlproxy/authcore/grants"
	"github.com/mysqlproxy/authcore/logthrottle"
	"github.com/mysqlproxy/authcore/logutil"
)

// Credentials are the service-account username/password the engine
// uses to connect to each backend and read its grant tables.
type Credentials struct {
	Username string
	Password string
}

// Backend describes one server to poll.
type Backend struct {
	Name string
	Host string
	Port int
	// Clustrix selects the system.users/system.user_acl dialect
	// instead of the default MariaDB/MySQL mysql.* dialect.
	Clustrix bool
	// TLSConfigName, if non-empty, names a TLS config registered with
	// the go-sql-driver/mysql driver via mysql.RegisterTLSConfig,
	// mirroring mxq::MariaDB's per-connection SSLConfig.
	TLSConfigName string
	// Active marks a backend as configured to be polled at all; an
	// operator may leave an entry in the list but mark it inactive
	// during planned maintenance rather than removing it.
	Active bool
	// Usable marks a backend as currently reachable per out-of-band
	// health checks. Refresh only dials backends that are both Active
	// and Usable.
	Usable bool
}

// Engine is the replication engine. The zero value is not usable;
// construct with New.
type Engine struct {
	cfg config.Replication

	credMu sync.RWMutex
	creds  Credentials

	backendMu sync.RWMutex
	backends  []Backend

	snapshot atomic.Pointer[grants.Snapshot]

	keepRunning     atomic.Bool
	updateRequested atomic.Bool
	// everSucceeded tracks whether load_users has ever completed
	// successfully, for run's bootstrap scheduling: before the first
	// success, the engine retries at a short fixed cadence rather than
	// waiting out the full UsersRefreshInterval.
	everSucceeded atomic.Bool
	// noServersWarned is warn_no_servers: set after the first "no
	// active/usable backends" warning is logged, cleared the next time
	// a load succeeds, so the warning never repeats every poll.
	noServersWarned atomic.Bool
	wake            chan struct{}
	stop            chan struct{}
	done            chan struct{}

	// loadBackend is overridden in tests to avoid a real network
	// round trip; production code leaves it nil and New wires
	// defaultLoadBackend, which dials out with database/sql.
	loadBackend func(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error)

	logger *zap.Logger
}

// New returns an Engine configured from cfg, ready for SetCredentials,
// SetBackends, and Start.
func New(cfg config.Replication) *Engine {
	e := &Engine{
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		logger: logutil.BgLogger(),
	}
	e.loadBackend = e.defaultLoadBackend
	return e
}

// Current implements usercache.SnapshotSource.
func (e *Engine) Current() *grants.Snapshot {
	return e.snapshot.Load()
}

// SetCredentials updates the service-account credentials used for
// future backend connections. It does not trigger an immediate
// refresh; call RequestUpdate if one is needed.
func (e *Engine) SetCredentials(c Credentials) {
	e.credMu.Lock()
	e.creds = c
	e.credMu.Unlock()
}

func (e *Engine) credentials() Credentials {
	e.credMu.RLock()
	defer e.credMu.RUnlock()
	return e.creds
}

// SetBackends replaces the list of backends to poll.
func (e *Engine) SetBackends(backends []Backend) {
	e.backendMu.Lock()
	e.backends = append([]Backend(nil), backends...)
	e.backendMu.Unlock()
}

func (e *Engine) backendList() []Backend {
	e.backendMu.RLock()
	defer e.backendMu.RUnlock()
	return append([]Backend(nil), e.backends...)
}

// RequestUpdate asks the engine to refresh as soon as the minimum
// refresh gap (UsersRefreshTime) allows. It coalesces with any
// already-pending request: calling it many times in a row in between
// two actual refreshes has the same effect as calling it once.
// Grounded on the original's MariaDBUserManager::update_user_accounts.
func (e *Engine) RequestUpdate() {
	e.updateRequested.Store(true)
	select {
	case e.wake <- struct{}{}:
	default:
		// a wakeup is already pending; nothing more to do.
	}
}

// Start launches the engine's scheduling loop in a background
// goroutine. It is idempotent-unsafe like the original: calling Start
// twice without an intervening Stop starts two loops, which is a
// caller error.
func (e *Engine) Start(ctx context.Context) {
	e.keepRunning.Store(true)
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(ctx)
}

// Stop signals the scheduling loop to exit and waits for it to do so.
func (e *Engine) Stop() {
	if !e.keepRunning.CompareAndSwap(true, false) {
		return
	}
	close(e.stop)
	<-e.done
}

// run implements the two-timestamp scheduling loop described in
// spec.md §4.5/§5: a minimum gap between completed refreshes
// (UsersRefreshTime) and a maximum time the engine will go without
// refreshing even absent any RequestUpdate call (UsersRefreshInterval).
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	minGap := e.cfg.UsersRefreshTime.Duration
	if minGap < time.Second {
		minGap = time.Second
	}
	maxWait := e.cfg.UsersRefreshInterval.Duration
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}

	// bootstrapWait is the retry cadence before the first successful
	// load: the engine does not wait out the full UsersRefreshInterval
	// just to discover a backend is unreachable at startup.
	const bootstrapWait = time.Second

	nextPossible := time.Now()
	deadline := time.Now().Add(e.scheduledWait(maxWait, bootstrapWait))

	for {
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}

		if !e.keepRunning.Load() {
			return
		}

		if wait := time.Until(nextPossible); wait > 0 {
			// A wakeup arrived before the minimum gap since the last
			// refresh elapsed; honor the gap before proceeding,
			// mirroring the original's nextPossibleUpdate wait.
			select {
			case <-e.stop:
				return
			case <-time.After(wait):
			}
			if !e.keepRunning.Load() {
				return
			}
		}

		e.updateRequested.Store(false)
		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("grant table refresh failed", zap.Error(err))
		}
		nextPossible = time.Now().Add(minGap)
		deadline = time.Now().Add(e.scheduledWait(maxWait, bootstrapWait))
	}
}

// scheduledWait returns the bootstrap cadence until the first
// successful load has ever completed, and the full configured
// interval afterward.
func (e *Engine) scheduledWait(maxWait, bootstrapWait time.Duration) time.Duration {
	if !e.everSucceeded.Load() {
		return bootstrapWait
	}
	return maxWait
}

// Refresh loads a fresh snapshot from the configured backends,
// stopping at the first one that answers successfully, and publishes
// it if its contents differ from the currently published snapshot.
// Grounded on the original's MariaDBUserManager::load_users: a
// QUERY_FAILED or connect failure on one backend tries the next;
// an INVALID_DATA result (bad schema) stops immediately and the old
// snapshot is kept rather than replaced with a partial one.
func (e *Engine) Refresh(ctx context.Context) error {
	creds := e.credentials()
	backends := usableBackends(e.backendList())
	timeout := e.cfg.AuthConnTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if len(backends) == 0 {
		e.warnNoServers()
		return errs.ErrConnectFailed
	}

	var lastErr error
	for _, b := range backends {
		snap, err := e.loadBackend(ctx, creds, b, timeout)
		if err == nil {
			e.everSucceeded.Store(true)
			e.noServersWarned.Store(false)
			e.publish(snap)
			return nil
		}
		lastErr = err
		e.logger.Info("backend grant table load failed",
			zap.String("backend", b.Name), zap.Error(err))
		if isInvalidData(err) {
			break
		}
	}
	return lastErr
}

// usableBackends returns only the backends configured as both Active
// and Usable, mirroring load_users's "for each active && usable
// backend" iteration.
func usableBackends(backends []Backend) []Backend {
	usable := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Active && b.Usable {
			usable = append(usable, b)
		}
	}
	return usable
}

// warnNoServers logs exactly once per flagged window that no backend
// was even active && usable, via the shared log throttle, then latches
// so repeated Refresh calls in the same outage do not spam the log.
// The latch clears the next time a load succeeds.
func (e *Engine) warnNoServers() {
	if e.noServersWarned.Load() {
		return
	}
	if d := logthrottle.Default().Allow(); d != logthrottle.Suppress {
		e.logger.Warn("no active/usable backends configured")
	}
	e.noServersWarned.Store(true)
}

func (e *Engine) publish(snap *grants.Snapshot) {
	old := e.snapshot.Load()
	if old != nil && old.EqualContents(snap) {
		return
	}
	e.snapshot.Store(snap)
	e.logger.Info("published new grant snapshot",
		zap.Int("usernames", snap.NumUsernames()),
		zap.Int("entries", snap.NumEntries()))
}

func isInvalidData(err error) bool {
	return errors.Is(err, errs.ErrInvalidData)
}
