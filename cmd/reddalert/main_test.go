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

package main

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestNewRootCmd(t *testing.T) {
	root := newRootCmd()
	if root.Use != "reddalert" {
		t.Errorf("Use = %q", root.Use)
	}

	var found bool
	for _, sub := range root.Commands() {
		if sub.Use == "run" {
			found = true
		}
	}
	if !found {
		t.Error("run subcommand not registered")
	}
}

func TestRunFailsWithoutCredentials(t *testing.T) {
	t.Setenv("REDDIT_CLIENT_ID", "")
	t.Setenv("REDDIT_CLIENT_SECRET", "")

	if err := run(context.Background(), zap.NewNop()); err == nil {
		t.Fatal("expected a configuration error")
	}
}
