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

// Package errs defines the typed error classes used across the
// authentication core. Each class is a sentinel that individual
// causes wrap (with fmt.Errorf's %w, or a wrapper whose Unwrap
// returns the sentinel), so callers can test membership with
// errors.Is(err, errs.ErrParse) without caring which specific cause
// fired.
package errs

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Parser-level sentinels. A parse failure is per-packet and never
// fatal: the connection is refused with a protocol error.
var (
	// ErrParse is the umbrella sentinel for all packet-parsing failures.
	ErrParse = errors.New("packet parse error")
	// ErrTruncated means the buffer was exhausted mid-field.
	ErrTruncated = fmt.Errorf("%w: truncated", ErrParse)
	// ErrInvalid means a length-encoded header claimed more bytes than remain.
	ErrInvalid = fmt.Errorf("%w: invalid field", ErrParse)
	// ErrOldProtocol means the client did not advertise a supported auth-token encoding.
	ErrOldProtocol = fmt.Errorf("%w: pre-4.1 protocol not supported", ErrParse)
)

// Backend-level sentinels. A backend failure is per-backend; the
// replication engine tries the next backend (QueryFailed) or keeps
// the old snapshot (InvalidData). Neither ever crashes the process.
var (
	// ErrBackend is the umbrella sentinel for all backend polling failures.
	ErrBackend = errors.New("backend error")
	// ErrConnectFailed means the TCP/TLS connection to the backend could not be established.
	ErrConnectFailed = fmt.Errorf("%w: connect failed", ErrBackend)
	// ErrQueryFailed means a query against the backend's grant tables failed.
	ErrQueryFailed = fmt.Errorf("%w: query failed", ErrBackend)
	// ErrInvalidData means the backend's schema did not have the columns the loader requires.
	ErrInvalidData = fmt.Errorf("%w: invalid data", ErrBackend)
)

// ErrLookupMiss signals "no entry found" for a lookup. It is an
// expected outcome, not logged as an error.
var ErrLookupMiss = errors.New("no matching user entry")

// ErrConfig is returned by configuration loading and authenticator
// option parsing. It aborts module load; it is reported at startup
// and never triggers a fatal shutdown from inside the library.
var ErrConfig = errors.New("invalid configuration")

// Policy sentinels, returned by usercache.Cache.FindUser to preserve
// the distinction between "why" a lookup was refused (see SPEC_FULL.md
// §4.4/§9 Open Question resolution), rather than only "entry or none."
var (
	// ErrPolicyDenied is the umbrella sentinel for all post-lookup refusals.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrRootDisallowed means the lookup was for "root" while allow_root_user is false.
	ErrRootDisallowed = fmt.Errorf("%w: root user disallowed", ErrPolicyDenied)
	// ErrInsufficientPrivilege means a matching entry was found but lacks access to the requested schema.
	ErrInsufficientPrivilege = fmt.Errorf("%w: insufficient privileges", ErrPolicyDenied)
	// ErrNoProxyGrant means the matched anonymous entry lacks a proxy grant.
	ErrNoProxyGrant = fmt.Errorf("%w: no proxy grant", ErrPolicyDenied)
)

// HostBlockedError reports that a client address has accumulated too
// many authentication failures in a recent window. The block/unblock
// policy itself lives outside this core; this type only carries the
// wire-visible error shape.
type HostBlockedError struct {
	Addr string
}

// Error implements the error interface.
func (e *HostBlockedError) Error() string {
	return fmt.Sprintf("Host '%s' is temporarily blocked due to too many authentication failures.", e.Addr)
}

// MySQLErrorCode returns the MySQL error number and SQLSTATE that
// this failure should be reported to the client as.
func (e *HostBlockedError) MySQLErrorCode() (int, string) {
	return 1129, "HY000"
}
