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

// Package scheduler drives the pipeline on a cooperative time wheel:
// a poll tick (per-subreddit cadence gated inside the poller), a match
// tick draining freshly ingested content, a dispatch tick applying the
// batching rule, and a daily retention sweep. When the store goes
// unhealthy all ticks pause under exponential backoff until it
// recovers.
package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/dispatch"
	"github.com/reddalert/reddalert/internal/engine"
	"github.com/reddalert/reddalert/internal/poll"
	"github.com/reddalert/reddalert/internal/store"
)

// Upper bound on content rows pulled into one match run
const matchBatchLimit = 500

// Tick cadences and retention defaults
type Config struct {
	PollTick      time.Duration
	MatchTick     time.Duration
	DispatchTick  time.Duration
	RetentionTick time.Duration
	RetentionDays int
}

func DefaultConfig() Config {
	return Config{
		PollTick:      time.Minute,
		MatchTick:     30 * time.Second,
		DispatchTick:  30 * time.Second,
		RetentionTick: 24 * time.Hour,
		RetentionDays: 90,
	}
}

// Scheduler owns the worker loop. The poll-to-match handoff is the
// store itself: the match tick drains unprocessed content rows, so
// anything ingested before a crash is picked up by the next run
// instead of dying with the process.
type Scheduler struct {
	poller     *poll.Poller
	engine     *engine.Engine
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	log        *zap.Logger
	cfg        Config
}

func New(p *poll.Poller, e *engine.Engine, d *dispatch.Dispatcher, st *store.Store, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		poller:     p,
		engine:     e,
		dispatcher: d,
		store:      st,
		log:        log,
		cfg:        cfg,
	}
}

// Run blocks until the context is cancelled. An in-flight tick
// finishes its current work before the loop exits.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Scheduler starting",
		zap.Duration("poll_tick", s.cfg.PollTick),
		zap.Duration("match_tick", s.cfg.MatchTick),
		zap.Duration("dispatch_tick", s.cfg.DispatchTick),
		zap.Int("retention_days", s.cfg.RetentionDays),
	)

	// Full pipeline pass immediately at startup
	s.pollTick(ctx)
	s.matchTick(ctx)
	s.dispatchTick(ctx)

	pollT := time.NewTicker(s.cfg.PollTick)
	matchT := time.NewTicker(s.cfg.MatchTick)
	dispatchT := time.NewTicker(s.cfg.DispatchTick)
	retentionT := time.NewTicker(s.cfg.RetentionTick)
	defer pollT.Stop()
	defer matchT.Stop()
	defer dispatchT.Stop()
	defer retentionT.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler shutting down")
			return nil
		case <-pollT.C:
			if s.waitHealthy(ctx) {
				s.pollTick(ctx)
			}
		case <-matchT.C:
			if s.waitHealthy(ctx) {
				s.matchTick(ctx)
			}
		case <-dispatchT.C:
			if s.waitHealthy(ctx) {
				s.dispatchTick(ctx)
			}
		case <-retentionT.C:
			if s.waitHealthy(ctx) {
				s.retentionTick(ctx)
			}
		}
	}
}

func (s *Scheduler) pollTick(ctx context.Context) {
	s.poller.PollAll(ctx)
}

func (s *Scheduler) matchTick(ctx context.Context) {
	rows, err := s.store.UnprocessedContent(ctx, matchBatchLimit)
	if err != nil {
		s.log.Error("Failed to load unprocessed content", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}
	s.engine.ProcessBatch(ctx, rows)
}

func (s *Scheduler) dispatchTick(ctx context.Context) {
	sent, failed := s.dispatcher.DispatchPending(ctx)
	if sent > 0 || failed > 0 {
		s.log.Info("Dispatch tick complete",
			zap.Int("sent", sent),
			zap.Int("failed", failed),
		)
	}
}

func (s *Scheduler) retentionTick(ctx context.Context) {
	if _, _, err := s.store.CleanupOldData(ctx, s.cfg.RetentionDays); err != nil {
		s.log.Error("Retention sweep failed", zap.Error(err))
	}
}

// waitHealthy returns once the store answers a ping, pausing the wheel
// under exponential backoff while it does not. False means the context
// was cancelled while waiting.
func (s *Scheduler) waitHealthy(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0 // keep trying until shutdown

	err := backoff.Retry(func() error {
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn("Store unhealthy, pausing ticks", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	return err == nil
}
