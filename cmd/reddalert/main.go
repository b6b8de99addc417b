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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/config"
	"github.com/reddalert/reddalert/internal/dispatch"
	"github.com/reddalert/reddalert/internal/engine"
	"github.com/reddalert/reddalert/internal/logger"
	"github.com/reddalert/reddalert/internal/notify"
	"github.com/reddalert/reddalert/internal/poll"
	"github.com/reddalert/reddalert/internal/reddit"
	"github.com/reddalert/reddalert/internal/scheduler"
	"github.com/reddalert/reddalert/internal/store"
	"github.com/reddalert/reddalert/internal/tenantcfg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reddalert",
		Short:         "Keyword monitoring for Reddit with Discord alerts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the polling/matching/alerting worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Initialize context
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Initialize logger
			log, err := logger.New()
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = log.Sync() }()

			if err := run(ctx, log); err != nil {
				log.Error("Worker startup failed", zap.Error(err))
				return err
			}
			log.Info("Reddalert shutdown complete")
			return nil
		},
	}
}

func run(ctx context.Context, log *zap.Logger) error {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Open the durable store
	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// Wire the pipeline
	source := reddit.New(cfg.RedditClientID, cfg.RedditClientSecret, cfg.RedditUserAgent, log)
	reader := tenantcfg.NewReader(st, log)
	poller := poll.New(source, st, cfg.PollIntervalMinutes, log)
	matcher := engine.New(st, reader, log)
	mailer := notify.NewLogMailer(cfg.FallbackEmailFrom, log)
	dispatcher := dispatch.New(st, reader, mailer, cfg.WebhookURLPattern, log)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.RetentionDays = cfg.RetentionDays

	log.Info("Starting Reddalert worker",
		zap.String("database", cfg.DatabasePath),
		zap.Int("retention_days", cfg.RetentionDays),
	)

	// Enter the scheduler loop (blocking until shutdown)
	return scheduler.New(poller, matcher, dispatcher, st, schedCfg, log).Run(ctx)
}
