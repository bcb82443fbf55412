/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Fireworks Collaboration Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging bootstraps the process-wide logr.Logger backed by zap,
// the way cmd/main.go wires zap.New(zap.UseFlagOptions(...)) into
// ctrl.SetLogger for the teacher's controller-runtime manager.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the root logger construction.
type Options struct {
	// Development enables human-readable console encoding and debug level.
	Development bool
	// Name is attached to every record as the "logger" field.
	Name string
}

// New builds the process root logger.
func New(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}

	zl, err := cfg.Build()
	if err != nil {
		// Building the configured logger should not fail in practice;
		// fall back to a no-op logger (records are discarded) rather than
		// panicking.
		zl = zap.NewNop()
	}

	logger := zapr.NewLogger(zl)
	if opts.Name != "" {
		logger = logger.WithName(opts.Name)
	}
	return logger
}
