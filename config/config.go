// Copyright 2017 PingCAP, Inc.
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
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the authentication core's TOML configuration
// file and parses the inline authenticator option string used by
// listener definitions.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"

	"github.com/mysqlproxy/authcore/errs"
	"github.com/mysqlproxy/authcore/grants"
	"github.com/mysqlproxy/authcore/logutil"
)

// Config is the top-level TOML configuration for the authentication
// core: where to find the backends, how often to refresh from them,
// and how to log.
type Config struct {
	Log         Log         `toml:"log" json:"log"`
	Security    Security    `toml:"security" json:"security"`
	Replication Replication `toml:"replication" json:"replication"`
}

// Log is the log section of config, trimmed from the teacher's Log
// section down to the fields this core's logutil package consumes.
type Log struct {
	Level            string `toml:"level" json:"level"`
	Format           string `toml:"format" json:"format"`
	DisableTimestamp bool   `toml:"disable-timestamp" json:"disable-timestamp"`
}

// Security is the security section of the config: default backend
// TLS settings applied when a backend entry does not override them.
type Security struct {
	SSLCA   string `toml:"ssl-ca" json:"ssl-ca"`
	SSLCert string `toml:"ssl-cert" json:"ssl-cert"`
	SSLKey  string `toml:"ssl-key" json:"ssl-key"`
}

// Replication is the replication section: how often the engine polls
// backends for grant-table changes, and how it connects to do so.
type Replication struct {
	// UsersRefreshTime is the minimum time that must elapse between
	// the end of one successful load and the start of the next, even
	// if RequestUpdate is called continuously.
	UsersRefreshTime Duration `toml:"users-refresh-time" json:"users-refresh-time"`
	// UsersRefreshInterval is the maximum time the engine waits
	// between loads when no RequestUpdate call arrives.
	UsersRefreshInterval Duration `toml:"users-refresh-interval" json:"users-refresh-interval"`
	// AuthConnTimeout bounds both the TCP connect and the grant-table
	// query against a backend.
	AuthConnTimeout Duration `toml:"auth-conn-timeout" json:"auth-conn-timeout"`
	// LocalAddress binds outgoing backend connections to a specific
	// local interface, mirroring libmysqlclient's MYSQL_OPT_BIND.
	LocalAddress string `toml:"local-address" json:"local-address"`
}

// Duration wraps time.Duration so it can be decoded from a TOML
// string like "30s" rather than a raw integer count of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for BurntSushi/toml.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrConfig, err)
	}
	d.Duration = v
	return nil
}

var defaultConf = Config{
	Log: Log{
		Level:  "info",
		Format: "text",
	},
	Replication: Replication{
		UsersRefreshTime:     Duration{30 * time.Second},
		UsersRefreshInterval: Duration{5 * time.Minute},
		AuthConnTimeout:      Duration{10 * time.Second},
	},
}

// NewConfig returns a Config populated with the defaults the original
// ships: a 30-second minimum refresh gap, a 5-minute maximum poll
// interval, and a 10-second backend connect/query timeout.
func NewConfig() *Config {
	conf := defaultConf
	return &conf
}

// Load decodes confFile into a fresh Config seeded with defaults.
func Load(confFile string) (*Config, error) {
	c := NewConfig()
	if _, err := toml.DecodeFile(confFile, c); err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrConfig, errors.Trace(err))
	}
	return c, nil
}

// ToLogConfig converts the Log section into the logutil package's
// configuration type.
func (l *Log) ToLogConfig() *logutil.LogConfig {
	c := &logutil.LogConfig{
		DisableTimestamp: l.DisableTimestamp,
	}
	c.Level = l.Level
	c.Format = l.Format
	return c
}

// AuthenticatorOptions is the parsed form of a listener's
// comma-separated inline option string (cache_dir=...,inject_service_
// user=true,skip_authentication=false,lower_case_table_names=1).
// skip_authentication and lower_case_table_names double as the
// negation of two of Search's knobs: disabling host-pattern matching
// and enabling case-insensitive schema comparison, respectively.
type AuthenticatorOptions struct {
	CacheDir            string
	InjectServiceUser   bool
	SkipAuthentication  bool
	LowerCaseTableNames bool
	Search              grants.UserSearchSettings
}

// ParseAuthenticatorOptions parses the inline key=value option string
// a listener definition attaches to this module, in the style of the
// teacher's TOML-tag config sections but adapted to the inline wire
// format the original authenticator options use. Search starts from
// the permissive defaults (host-pattern matching on, case-sensitive
// schema comparison on) and is narrowed by skip_authentication,
// lower_case_table_names, allow_root_user, allow_anon_user and
// allow_service_user.
func ParseAuthenticatorOptions(raw string) (AuthenticatorOptions, error) {
	opts := AuthenticatorOptions{}
	opts.Search.MatchHostPattern = true
	opts.Search.CaseSensitiveDB = true
	if raw == "" {
		return opts, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return opts, fmt.Errorf("%w: malformed option %q", errs.ErrConfig, pair)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])

		switch key {
		case "cache_dir":
			opts.CacheDir = val
		case "inject_service_user":
			b, err := parseBool(val)
			if err != nil {
				return opts, err
			}
			opts.InjectServiceUser = b
		case "skip_authentication":
			b, err := parseBool(val)
			if err != nil {
				return opts, err
			}
			opts.SkipAuthentication = b
			opts.Search.MatchHostPattern = !b
		case "lower_case_table_names":
			b, err := parseBool(val)
			if err != nil {
				return opts, err
			}
			opts.LowerCaseTableNames = b
			opts.Search.CaseSensitiveDB = !b
		case "allow_root_user":
			b, err := parseBool(val)
			if err != nil {
				return opts, err
			}
			opts.Search.AllowRootUser = b
		case "allow_anon_user":
			b, err := parseBool(val)
			if err != nil {
				return opts, err
			}
			opts.Search.AllowAnonUser = b
		case "allow_service_user":
			b, err := parseBool(val)
			if err != nil {
				return opts, err
			}
			opts.Search.AllowServiceUser = b
		default:
			return opts, fmt.Errorf("%w: unknown authenticator option %q", errs.ErrConfig, key)
		}
	}

	return opts, nil
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		if n, err := strconv.Atoi(val); err == nil {
			return n != 0, nil
		}
		return false, fmt.Errorf("%w: not a boolean: %q", errs.ErrConfig, val)
	}
}
