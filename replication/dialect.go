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
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/mysqlproxy/authcore/errs"
	"github.com/mysqlproxy/authcore/grants"
)

// defaultLoadBackend is the production implementation wired by New.
// It opens a connection with database/sql + go-sql-driver/mysql,
// picks the dialect from b.Clustrix (the server is not probed), loads
// every grant table the dialect defines, and returns a fully built
// Snapshot. Grounded on the
// original's load_users/load_users_mariadb/load_users_clustrix.
func (e *Engine) defaultLoadBackend(ctx context.Context, creds Credentials, b Backend, timeout time.Duration) (*grants.Snapshot, error) {
	dsn, err := buildDSN(creds, b, e.cfg.LocalAddress)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, classifyConnectError(err)
	}
	defer db.Close()

	if err := db.PingContext(connectCtx); err != nil {
		return nil, classifyConnectError(err)
	}

	queryCtx, cancel2 := context.WithTimeout(ctx, timeout)
	defer cancel2()

	if b.Clustrix {
		return loadUsersClustrix(queryCtx, db)
	}
	return loadUsersMariaDB(queryCtx, db)
}

// buildDSN renders a go-sql-driver/mysql DSN for b, binding the
// connection to localAddress (the Go analogue of libmysqlclient's
// MYSQL_OPT_BIND) and the backend's registered TLS config, if any.
func buildDSN(creds Credentials, b Backend, localAddress string) (string, error) {
	cfg := mysqldriver.NewConfig()
	cfg.User = creds.Username
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
	cfg.DBName = "mysql"
	cfg.ParseTime = false
	cfg.Timeout = 10 * time.Second

	if b.TLSConfigName != "" {
		cfg.TLSConfig = b.TLSConfigName
	}

	if localAddress != "" {
		dialer := &net.Dialer{
			LocalAddr: &net.TCPAddr{IP: net.ParseIP(localAddress)},
		}
		mysqldriver.RegisterDialContext(dialContextKey(b.Name), func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		})
		cfg.Net = dialContextKey(b.Name)
	}

	return cfg.FormatDSN(), nil
}

func dialContextKey(backendName string) string {
	return "authcore-" + backendName
}

// loadUsersMariaDB reads mysql.user, mysql.db, mysql.tables_priv,
// mysql.columns_priv, mysql.roles_mapping, and mysql.proxies_priv from
// a MariaDB/MySQL-dialect backend.
// Grounded on the original's load_users_mariadb/read_users_mariadb/
// read_dbs_and_roles/read_proxy_grants, and on the column-presence
// checking style of privileges/cache.go's LoadUserTable.
func loadUsersMariaDB(ctx context.Context, db *sql.DB) (*grants.Snapshot, error) {
	snap := grants.NewSnapshot()

	if err := readUsersMariaDB(ctx, db, snap); err != nil {
		return nil, err
	}
	dbs, roles, err := readDBsAndRoles(ctx, db)
	if err != nil {
		return nil, err
	}
	snap.SetDBsAndRoles(dbs, roles)

	if err := readProxyGrants(ctx, db, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// readUsersMariaDB reads mysql.user. global_db_priv is the OR of
// Select_priv|Insert_priv|Update_priv|Delete_priv (not Super_priv —
// those four are the schema-independent grants the original's
// read_users_mariadb tests for), and ssl_type is kept verbatim in
// SSLType (non-empty means TLS is required). Both authentication_string and Password
// are read since non-native plugins (pam, ed25519, ...) validate
// against the former instead of the latter.
func readUsersMariaDB(ctx context.Context, db *sql.DB, snap *grants.Snapshot) error {
	rows, err := db.QueryContext(ctx,
		`SELECT User, Host, Password, authentication_string, plugin, ssl_type,
		        Select_priv, Insert_priv, Update_priv, Delete_priv, is_role, default_role
		 FROM mysql.user`)
	if err != nil {
		return classifyQueryError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return classifyQueryError(err)
	}
	if !hasColumns(cols, "User", "Host", "Select_priv", "Insert_priv", "Update_priv", "Delete_priv", "ssl_type") {
		return wrapBackend(errs.ErrInvalidData, fmt.Errorf("mysql.user missing required privilege/ssl columns"))
	}

	for rows.Next() {
		var user, host, password, authString, plugin, sslType string
		var selectPriv, insertPriv, updatePriv, deletePriv, isRole, defaultRole string
		if err := rows.Scan(&user, &host, &password, &authString, &plugin, &sslType,
			&selectPriv, &insertPriv, &updatePriv, &deletePriv, &isRole, &defaultRole); err != nil {
			return wrapBackend(errs.ErrInvalidData, err)
		}

		entry := grants.UserEntry{
			Username:     user,
			HostRaw:      host,
			PasswordHash: password,
			AuthString:   authString,
			PluginName:   plugin,
			SSLType:      sslType,
			IsRole:       isRole == "Y",
		}
		if selectPriv == "Y" || insertPriv == "Y" || updatePriv == "Y" || deletePriv == "Y" {
			entry.GlobalPrivBits = 1
		}
		if defaultRole != "" {
			entry.DefaultRoles = []string{defaultRole}
		}
		snap.AddEntry(entry)
	}
	if err := rows.Err(); err != nil {
		return classifyQueryError(err)
	}
	return nil
}

func readDBsAndRoles(ctx context.Context, db *sql.DB) ([]grants.DBEntry, []grants.RoleEdge, error) {
	var dbs []grants.DBEntry
	rows, err := db.QueryContext(ctx, `SELECT User, Host, Db FROM mysql.db
		UNION SELECT User, Host, Db FROM mysql.tables_priv
		UNION SELECT User, Host, Db FROM mysql.columns_priv`)
	if err != nil {
		return nil, nil, classifyQueryError(err)
	}
	for rows.Next() {
		var user, host, dbName string
		if err := rows.Scan(&user, &host, &dbName); err != nil {
			rows.Close()
			return nil, nil, wrapBackend(errs.ErrInvalidData, err)
		}
		dbs = append(dbs, grants.DBEntry{Username: user, HostRaw: host, DBPattern: dbName})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, classifyQueryError(err)
	}

	var roles []grants.RoleEdge
	// Host is read alongside User/Role so CheckDatabaseAccess can
	// confirm a default_role was actually assigned to this specific
	// user@host via roles_mapping, rather than trusting a dangling
	// mysql.user.default_role value. Rows granting a role to another
	// role (rather than to a real account) carry an empty Host.
	roleRows, err := db.QueryContext(ctx, `SELECT Role, User, Host FROM mysql.roles_mapping`)
	if err != nil {
		// roles_mapping may not exist on older servers; tolerate its
		// absence rather than failing the whole load.
		if !isNoSuchTableErr(err) {
			return nil, nil, classifyQueryError(err)
		}
		return dbs, roles, nil
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var role, user, host string
		if err := roleRows.Scan(&role, &user, &host); err != nil {
			return nil, nil, wrapBackend(errs.ErrInvalidData, err)
		}
		roles = append(roles, grants.RoleEdge{FromRole: user, FromHost: host, ToRole: role})
	}
	if err := roleRows.Err(); err != nil {
		return nil, nil, classifyQueryError(err)
	}

	return dbs, roles, nil
}

func readProxyGrants(ctx context.Context, db *sql.DB, snap *grants.Snapshot) error {
	rows, err := db.QueryContext(ctx,
		`SELECT Proxied_user, Host, User FROM mysql.proxies_priv WHERE Proxied_user != ''`)
	if err != nil {
		if !isNoSuchTableErr(err) {
			return classifyQueryError(err)
		}
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var proxiedUser, host, proxyUser string
		if err := rows.Scan(&proxiedUser, &host, &proxyUser); err != nil {
			return wrapBackend(errs.ErrInvalidData, err)
		}
		snap.AddProxyGrant(grants.ProxyGrant{
			ProxyUser:    proxyUser,
			ProxyHostRaw: host,
			ProxiedUser:  proxiedUser,
		})
	}
	return rows.Err()
}

// loadUsersClustrix reads system.users/system.user_acl, the Clustrix
// dialect's analogue of mysql.user/mysql.db. Grounded on the
// original's load_users_clustrix/read_users_clustrix.
func loadUsersClustrix(ctx context.Context, db *sql.DB) (*grants.Snapshot, error) {
	snap := grants.NewSnapshot()

	rows, err := db.QueryContext(ctx, `SELECT username, host, password_hash FROM system.users`)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifyQueryError(err)
	}
	if !hasColumns(cols, "username", "host") {
		return nil, wrapBackend(errs.ErrInvalidData, fmt.Errorf("system.users missing username/host columns"))
	}

	for rows.Next() {
		var user, host, hash string
		if err := rows.Scan(&user, &host, &hash); err != nil {
			return nil, wrapBackend(errs.ErrInvalidData, err)
		}
		snap.AddEntry(grants.UserEntry{Username: user, HostRaw: host, PasswordHash: hash})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(err)
	}

	var dbs []grants.DBEntry
	aclRows, err := db.QueryContext(ctx, `SELECT username, database_name FROM system.user_acl`)
	if err == nil {
		defer aclRows.Close()
		for aclRows.Next() {
			var user, dbName string
			if err := aclRows.Scan(&user, &dbName); err != nil {
				return nil, wrapBackend(errs.ErrInvalidData, err)
			}
			dbs = append(dbs, grants.DBEntry{Username: user, DBPattern: dbName})
		}
	}
	snap.SetDBsAndRoles(dbs, nil)

	return snap, nil
}

func hasColumns(cols []string, want ...string) bool {
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}

// isNoSuchTableErr reports whether err is a MySQL ER_NO_SUCH_TABLE
// error, used to tolerate optional grant tables (roles_mapping,
// proxies_priv) that may not exist on older servers.
func isNoSuchTableErr(err error) bool {
	var merr *mysqldriver.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == 1146
	}
	return false
}
