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
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil wires the authentication core's structured logging
// on top of github.com/pingcap/log and go.uber.org/zap.
package logutil

import (
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

var defaultLogger = log.L()

// LogConfig serializes the log section of the authentication core's
// configuration file.
type LogConfig struct {
	log.Config

	// DisableTimestamp disables automatic timestamps in output.
	DisableTimestamp bool
}

// InitLogger installs the global logger according to cfg. Components
// that cannot reach a context (e.g. package-init code) fall back to
// BgLogger, which reads this global.
func InitLogger(cfg *LogConfig) error {
	cfg.Config.DisableTimestamp = cfg.DisableTimestamp
	logger, props, err := log.InitLogger(&cfg.Config)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	defaultLogger = logger
	return nil
}

// WithLogger returns a context carrying logger, retrievable later by
// Logger. Used by the replication engine to attach per-backend
// fields (server name, attempt number) to every log line emitted
// while processing one backend.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, logger)
}

// Logger returns the logger embedded in ctx, or the global logger if
// none was attached.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		return logger
	}
	return defaultLogger
}

// BgLogger returns the global background logger, for call sites with
// no natural context (goroutine bodies spawned without one, package
// level helpers).
func BgLogger() *zap.Logger {
	return defaultLogger
}
