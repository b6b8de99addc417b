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

// Package poll ingests new Reddit content. Fetches are shared across
// tenants: each subreddit is polled once per effective cadence (the
// minimum interval among its subscribers) regardless of how many
// tenants watch it. Media posts and bot authors are ingested too;
// per-tenant filters apply at match time.
package poll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/model"
	"github.com/reddalert/reddalert/internal/normalize"
	"github.com/reddalert/reddalert/internal/reddit"
	"github.com/reddalert/reddalert/internal/store"
)

// Quarantine window after a 404/403 on a subreddit
const inaccessibleBackoff = time.Hour

// Poller walks the monitored subreddits and persists whatever is new
type Poller struct {
	source reddit.Source
	store  *store.Store
	log    *zap.Logger

	// Operator-wide cadence, used when no subscribed tenant sets one
	defaultIntervalMinutes int

	now func() time.Time
}

func New(source reddit.Source, st *store.Store, defaultIntervalMinutes int, log *zap.Logger) *Poller {
	return &Poller{
		source:                 source,
		store:                  st,
		log:                    log,
		defaultIntervalMinutes: defaultIntervalMinutes,
		now:                    func() time.Time { return time.Now().UTC() },
	}
}

// PollAll polls every monitored subreddit and returns the newly stored
// content rows, oldest first. Quarantined subreddits are included so
// they can recover: their cursor backoff keeps them quiet until the
// window elapses, and a successful fetch flips them back to active. A
// failure on one subreddit never blocks the others.
func (p *Poller) PollAll(ctx context.Context) []model.RedditContent {
	names, err := p.store.MonitoredSubredditNames(ctx)
	if err != nil {
		p.log.Error("Failed to list monitored subreddits", zap.Error(err))
		return nil
	}

	var all []model.RedditContent
	for _, name := range names {
		if ctx.Err() != nil {
			return all
		}
		rows, err := p.pollSubreddit(ctx, name)
		if err != nil {
			p.log.Error("Failed to poll subreddit", zap.String("subreddit", name), zap.Error(err))
			continue
		}
		all = append(all, rows...)
	}
	return all
}

func (p *Poller) pollSubreddit(ctx context.Context, name string) ([]model.RedditContent, error) {
	now := p.now()

	cur, err := p.store.Cursor(ctx, name)
	if err != nil {
		return nil, err
	}
	if cur.BackoffUntil != nil && now.Before(*cur.BackoffUntil) {
		return nil, nil
	}

	cadence, err := p.store.MinPollInterval(ctx, name)
	if err != nil {
		return nil, err
	}
	if cadence <= 0 {
		cadence = p.defaultIntervalMinutes
	}
	if cadence > 0 && cur.LastPolledAt != nil &&
		now.Sub(*cur.LastPolledAt) < time.Duration(cadence)*time.Minute {
		return nil, nil
	}

	posts, err := p.fetchPosts(ctx, name, cur.LastSeenID)
	if err != nil {
		p.handleFetchError(ctx, name, cur, err)
		return nil, err
	}

	// Reddit lists newest first; persist oldest first so alerts follow
	// source chronology.
	var stored []model.RedditContent
	for i := len(posts) - 1; i >= 0; i-- {
		post := posts[i]
		if row, ok := p.ingest(ctx, post, model.ContentTypePost); ok {
			stored = append(stored, row)
		}

		comments, err := p.source.ListTopLevelComments(ctx, post.SourceID)
		if err != nil {
			// Comments are best effort; the post itself is already in.
			p.log.Warn("Failed to fetch comments",
				zap.String("subreddit", name),
				zap.String("post_id", post.SourceID),
				zap.Error(err),
			)
			continue
		}
		for j := len(comments) - 1; j >= 0; j-- {
			if row, ok := p.ingest(ctx, comments[j], model.ContentTypeComment); ok {
				stored = append(stored, row)
			}
		}
	}

	if len(posts) > 0 {
		cur.LastSeenID = posts[0].Fullname
	}
	cur.LastPolledAt = &now
	cur.BackoffUntil = nil
	if err := p.store.SaveCursor(ctx, cur); err != nil {
		return stored, err
	}
	if err := p.store.TouchSubreddit(ctx, name, now); err != nil {
		return stored, err
	}

	if len(stored) > 0 {
		p.log.Info("Polled subreddit",
			zap.String("subreddit", name),
			zap.Int("new_items", len(stored)),
		)
	}
	return stored, nil
}

// fetchPosts retries transient source errors within the cycle.
// Permanent (404/403) and rate-limit errors surface immediately so the
// caller can quarantine or back off without advancing the cursor.
func (p *Poller) fetchPosts(ctx context.Context, name, sinceID string) ([]reddit.Item, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.RetryWithData(func() ([]reddit.Item, error) {
		items, err := p.source.ListNewPosts(ctx, name, sinceID)
		if err != nil && !isTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return items, err
	}, backoff.WithContext(policy, ctx))
}

func isTransient(err error) bool {
	var rl *reddit.RateLimitError
	if errors.As(err, &rl) {
		return false
	}
	return !errors.Is(err, reddit.ErrSubredditNotFound) &&
		!errors.Is(err, reddit.ErrSubredditPrivate)
}

func (p *Poller) handleFetchError(ctx context.Context, name string, cur model.SubredditCursor, err error) {
	now := p.now()

	var status model.SubredditStatus
	var backoffFor time.Duration
	var rl *reddit.RateLimitError

	switch {
	case errors.Is(err, reddit.ErrSubredditNotFound):
		status, backoffFor = model.SubredditStatusInaccessible, inaccessibleBackoff
	case errors.Is(err, reddit.ErrSubredditPrivate):
		status, backoffFor = model.SubredditStatusPrivate, inaccessibleBackoff
	case errors.As(err, &rl):
		backoffFor = rl.RetryAfter
	default:
		// Transient; next tick retries with the cursor untouched
		return
	}

	if status != "" {
		if serr := p.store.SetSubredditStatus(ctx, name, status); serr != nil {
			p.log.Error("Failed to update subreddit status", zap.String("subreddit", name), zap.Error(serr))
		}
		p.log.Warn("Subreddit quarantined",
			zap.String("subreddit", name),
			zap.String("status", string(status)),
			zap.Duration("backoff", backoffFor),
		)
	}

	until := now.Add(backoffFor)
	cur.BackoffUntil = &until
	if serr := p.store.SaveCursor(ctx, cur); serr != nil {
		p.log.Error("Failed to save cursor backoff", zap.String("subreddit", name), zap.Error(serr))
	}
}

// ingest normalizes, hashes and stores one item. Returns the new
// content row when the item was not a duplicate.
func (p *Poller) ingest(ctx context.Context, item reddit.Item, ctype model.ContentType) (model.RedditContent, bool) {
	raw := item.Body
	if ctype == model.ContentTypePost && item.Title != "" {
		raw = item.Title + " " + item.Body
	}

	norm := normalize.Normalize(raw)
	if norm.Text == "" {
		// Nothing matchable; skip rather than store an empty hash
		return model.RedditContent{}, false
	}

	sum := sha256.Sum256([]byte(norm.Text))
	content := model.RedditContent{
		SourceID:        item.SourceID,
		Subreddit:       item.Subreddit,
		ContentType:     ctype,
		Title:           item.Title,
		Body:            item.Body,
		Author:          item.Author,
		NormalizedText:  norm.Text,
		ContentHash:     hex.EncodeToString(sum[:]),
		Permalink:       item.Permalink,
		IsMediaPost:     item.IsMediaPost,
		CreatedAtRemote: item.CreatedAt,
		FetchedAt:       p.now(),
		IsDeleted:       item.IsDeleted,
	}

	outcome, row, err := p.store.UpsertContent(ctx, &content)
	if err != nil {
		p.log.Error("Failed to store content",
			zap.String("source_id", item.SourceID),
			zap.Error(err),
		)
		return model.RedditContent{}, false
	}
	if outcome != store.OutcomeInserted {
		return model.RedditContent{}, false
	}
	return *row, true
}
