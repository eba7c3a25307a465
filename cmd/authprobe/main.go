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

// Command authprobe loads an authcore configuration file, runs one
// replication-engine load against the backend named by --backend, and
// reports whether a given (user, host, db) tuple would be accepted. It exists
// to exercise config, replication, and usercache together outside of
// a full proxy process.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mysqlproxy/authcore/config"
	"github.com/mysqlproxy/authcore/grants"
	"github.com/mysqlproxy/authcore/hostmatch"
	"github.com/mysqlproxy/authcore/logutil"
	"github.com/mysqlproxy/authcore/replication"
	"github.com/mysqlproxy/authcore/usercache"
)

var (
	configPath  string
	backendAddr string
	username    string
	password    string
	clustrix    bool

	probeUser string
	probeAddr string
	probeDB   string
	wait      time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "authprobe",
		Short: "Probe a backend's grant tables through the authentication core",
		RunE:  runProbe,
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.Flags().StringVar(&backendAddr, "backend", "", "host:port of the backend to poll")
	root.Flags().StringVar(&username, "user", "", "service account username")
	root.Flags().StringVar(&password, "password", "", "service account password")
	root.Flags().BoolVar(&clustrix, "clustrix", false, "use the Clustrix grant table dialect")

	root.Flags().StringVar(&probeUser, "probe-user", "", "username to look up")
	root.Flags().StringVar(&probeAddr, "probe-addr", "127.0.0.1", "client address to match against host patterns")
	root.Flags().StringVar(&probeDB, "probe-db", "", "database to check access for")
	root.Flags().DurationVar(&wait, "wait", 5*time.Second, "time to wait for the first load to complete")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg := config.NewConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if err := logutil.InitLogger(cfg.Log.ToLogConfig()); err != nil {
		return err
	}

	host, port, err := splitHostPort(backendAddr)
	if err != nil {
		return err
	}

	engine := replication.New(cfg.Replication)
	engine.SetCredentials(replication.Credentials{Username: username, Password: password})
	engine.SetBackends([]replication.Backend{
		{Name: "probe", Host: host, Port: port, Clustrix: clustrix, Active: true, Usable: true},
	})

	baseCtx := cmd.Context()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(baseCtx, wait)
	defer cancel()

	if err := engine.Refresh(ctx); err != nil {
		return fmt.Errorf("initial grant table load failed: %w", err)
	}

	cache := usercache.New(engine, grants.UserSearchSettings{
		AllowRootUser:    probeUser == "root",
		AllowAnonUser:    true,
		MatchHostPattern: true,
		CaseSensitiveDB:  true,
	})
	cache.SetResolver(hostmatch.NewCachingResolver(hostmatch.NewNetResolver()))
	decision, err := cache.FindUser(probeUser, probeAddr, "", probeDB)
	if err != nil {
		fmt.Printf("DENY user=%q addr=%q db=%q reason=%v\n", probeUser, probeAddr, probeDB, err)
		return nil
	}

	if decision.ProxiedAs != "" {
		fmt.Printf("ALLOW user=%q addr=%q db=%q proxied_as=%q\n", probeUser, probeAddr, probeDB, decision.ProxiedAs)
	} else {
		fmt.Printf("ALLOW user=%q addr=%q db=%q matched_host=%q\n", probeUser, probeAddr, probeDB, decision.Entry.HostRaw)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --backend %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --backend %q: %w", addr, err)
	}
	return host, port, nil
}
