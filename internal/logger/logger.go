/*
 * Copyright (C) 2026  Reddalert Authors
 * This file is part of Reddalert.
 *
 * Reddalert is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Reddalert is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with Reddalert.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package logger builds the worker's console logger. Reddalert runs as
// a long-lived daemon whose stdout is the poll/match/dispatch activity
// feed and whose stderr carries only delivery and store failures, so
// an operator can redirect stderr to an alerting pipe without sifting
// through per-tick chatter.
package logger

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger that writes Info and Warn to stdout
// and Error and above to stderr.
func New() (*zap.Logger, error) {
	encoder := zapcore.NewConsoleEncoder(encoderConfig())

	errLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	outLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.InfoLevel && lvl < zapcore.ErrorLevel
	})

	// Lock each stream; the scheduler's ticks log concurrently
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), errLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), outLevel),
	)
	return zap.New(core), nil
}

// encoderConfig renders lines as "[2026-01-02T15:04:05Z] [INFO] msg".
// No caller annotation; the message prefixes already name the
// pipeline stage.
func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + t.Format(time.RFC3339Nano) + "]")
	}
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + l.CapitalString() + "]")
	}
	cfg.EncodeCaller = nil
	cfg.ConsoleSeparator = " "
	return cfg
}
