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
	"database/sql/driver"
	"errors"
	"net"
	"os"
	"syscall"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/mysqlproxy/authcore/errs"
)

// classifyConnectError maps a connection-establishment failure to one
// of this core's backend sentinels. Grounded on
// lightning/common/retry.go's isSingleRetryableError, trimmed to the
// net/driver cases relevant to a single short-lived connection
// attempt (the TiDB-cluster-specific gRPC/TiKV cases in the original
// do not apply to a MySQL-protocol backend and are dropped).
func classifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapBackend(errs.ErrConnectFailed, err)
	}
	if errors.Is(err, mysqldriver.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return wrapBackend(errs.ErrConnectFailed, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrapBackend(errs.ErrConnectFailed, err)
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		if syscallErr.Err == syscall.ECONNREFUSED || syscallErr.Err == syscall.ECONNRESET {
			return wrapBackend(errs.ErrConnectFailed, err)
		}
	}

	return wrapBackend(errs.ErrConnectFailed, err)
}

// classifyQueryError maps a grant-table query failure to either
// ErrQueryFailed (transient, or this backend just doesn't have the
// table — try the next backend) or ErrInvalidData (the table exists
// but its schema is missing a column this loader requires — a real
// configuration problem, not something retrying elsewhere will fix).
// Grounded on the same retry.go file's *mysql.MySQLError Number
// switch, trimmed to the subset of server error numbers relevant to
// reading mysql.user/mysql.db rather than running arbitrary DML.
func classifyQueryError(err error) error {
	if err == nil {
		return nil
	}

	var merr *mysqldriver.MySQLError
	if errors.As(err, &merr) {
		switch merr.Number {
		case 1146: // ER_NO_SUCH_TABLE
			return wrapBackend(errs.ErrQueryFailed, err)
		case 1054: // ER_BAD_FIELD_ERROR
			return wrapBackend(errs.ErrInvalidData, err)
		case 1045, 1044: // ER_ACCESS_DENIED_ERROR, ER_DBACCESS_DENIED_ERROR
			return wrapBackend(errs.ErrQueryFailed, err)
		default:
			return wrapBackend(errs.ErrQueryFailed, err)
		}
	}

	return wrapBackend(errs.ErrQueryFailed, err)
}

type backendError struct {
	sentinel error
	cause    error
}

func wrapBackend(sentinel, cause error) error {
	return &backendError{sentinel: sentinel, cause: cause}
}

func (e *backendError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *backendError) Unwrap() error {
	return e.sentinel
}

func (e *backendError) Cause() error {
	return e.cause
}
