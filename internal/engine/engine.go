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

// Package engine fans newly ingested content out to every active
// (tenant, keyword) pair watching its subreddit and persists the hits
// as pending matches. Per-tenant subreddit filters (media posts, bot
// authors, crossposts) are applied here, at match time, so the shared
// content store stays tenant-agnostic.
package engine

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AnimeKaizoku/cacher"
	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/match"
	"github.com/reddalert/reddalert/internal/model"
	"github.com/reddalert/reddalert/internal/normalize"
	"github.com/reddalert/reddalert/internal/store"
	"github.com/reddalert/reddalert/internal/tenantcfg"
)

// Accounts treated as bots regardless of name shape
var builtinBots = map[string]struct{}{
	"automoderator":  {},
	"totesmessenger": {},
	"remindmebot":    {},
}

var botNamePattern = regexp.MustCompile(`(?i)\bbot\b$`)

// Engine matches content against tenant keywords
type Engine struct {
	store  *store.Store
	reader *tenantcfg.Reader
	log    *zap.Logger

	// Short-term seen set in front of the unique index, keyed
	// tenant:keyword:content, to skip the insert round trip on re-runs
	seen *cacher.Cacher[string, struct{}]

	now func() time.Time
}

func New(st *store.Store, reader *tenantcfg.Reader, log *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		reader: reader,
		log:    log,
		seen: cacher.NewCacher[string, struct{}](&cacher.NewCacherOpts{
			TimeToLive:    time.Hour,
			CleanInterval: 10 * time.Minute,
			CleanerMode:   cacher.CleaningCentral,
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// ProcessBatch runs every content row against the keywords watching
// its subreddit, oldest first, and returns the number of matches
// created. Covered rows are stamped processed so the durable queue
// shrinks; a row whose fan-out could not be resolved keeps its place
// and is retried on the next run. Re-running over already-processed
// content is a no-op.
func (e *Engine) ProcessBatch(ctx context.Context, contents []model.RedditContent) int {
	sorted := make([]model.RedditContent, len(contents))
	copy(sorted, contents)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAtRemote.Before(sorted[j].CreatedAtRemote)
	})

	pairsBySubreddit := make(map[string][]tenantcfg.Pair)
	created := 0
	covered := make([]string, 0, len(sorted))

	for _, content := range sorted {
		if ctx.Err() != nil {
			break
		}

		pairs, ok := pairsBySubreddit[content.Subreddit]
		if !ok {
			var err error
			pairs, err = e.reader.ActivePairs(ctx, content.Subreddit)
			if err != nil {
				e.log.Error("Failed to resolve keyword fan-out",
					zap.String("subreddit", content.Subreddit),
					zap.Error(err),
				)
				continue
			}
			pairsBySubreddit[content.Subreddit] = pairs
		}

		for _, pair := range pairs {
			if e.processPair(ctx, content, pair) {
				created++
			}
		}
		covered = append(covered, content.ID)
	}

	if err := e.store.MarkContentProcessed(ctx, covered, e.now()); err != nil {
		e.log.Error("Failed to mark content processed", zap.Error(err))
	}

	if created > 0 {
		e.log.Info("Match run complete",
			zap.Int("content_items", len(sorted)),
			zap.Int("matches_created", created),
		)
	}
	return created
}

func (e *Engine) processPair(ctx context.Context, content model.RedditContent, pair tenantcfg.Pair) bool {
	sub, kw := pair.Subreddit, pair.Keyword

	if content.IsMediaPost && !sub.IncludeMediaPosts {
		return false
	}
	if sub.FilterBots && isBotAuthor(content.Author) {
		return false
	}
	if sub.DedupeCrossposts && content.CrosspostOf != nil {
		already, err := e.store.HasMatch(ctx, kw.TenantID, kw.ID, *content.CrosspostOf)
		if err != nil {
			e.log.Error("Crosspost dedup check failed", zap.Error(err))
		} else if already {
			return false
		}
	}

	seenKey := kw.TenantID + ":" + kw.ID + ":" + content.ID
	if _, hit := e.seen.Get(seenKey); hit {
		return false
	}

	spec, ok := keywordSpec(kw)
	if !ok {
		// Inconsistent keyword config: skip this pair for the cycle
		// rather than crash the run.
		e.log.Warn("Skipping keyword with invalid config",
			zap.String("keyword_id", kw.ID),
			zap.String("tenant_id", kw.TenantID),
		)
		return false
	}

	norm := normalize.Result{
		Text:   content.NormalizedText,
		Tokens: normalize.Tokenize(content.NormalizedText),
	}
	result, hit := match.Find(norm, spec)
	if !hit {
		return false
	}

	row := model.Match{
		TenantID:       kw.TenantID,
		KeywordID:      kw.ID,
		ContentID:      content.ID,
		ContentType:    content.ContentType,
		Subreddit:      content.Subreddit,
		MatchedPhrase:  result.MatchedPhrase,
		AlsoMatched:    result.AlsoMatched,
		Snippet:        result.Snippet,
		FullText:       content.Body,
		ProximityScore: result.Score,
		RedditURL:      redditURL(content),
		RedditAuthor:   content.Author,
		IsDeleted:      content.IsDeleted,
		DetectedAt:     e.now(),
		AlertStatus:    model.AlertStatusPending,
	}

	inserted, err := e.store.InsertMatch(ctx, &row)
	if err != nil {
		e.log.Error("Failed to insert match",
			zap.String("keyword_id", kw.ID),
			zap.Error(err),
		)
		return false
	}
	e.seen.Set(seenKey, struct{}{})
	if !inserted {
		// Unique-triple conflict: already matched, nothing to do
		return false
	}

	e.log.Info("Keyword matched",
		zap.String("phrase", result.MatchedPhrase),
		zap.String("subreddit", content.Subreddit),
		zap.String("tenant_id", kw.TenantID),
		zap.Float64("score", result.Score),
	)
	return true
}

// keywordSpec validates and converts a stored keyword into a matcher
// spec. Reports false for configs the matcher cannot honor.
func keywordSpec(kw model.Keyword) (match.Spec, bool) {
	if len(kw.Phrases) == 0 {
		return match.Spec{}, false
	}
	window := kw.ProximityWindow
	if window == 0 {
		window = match.DefaultProximityWindow
	}
	if window < 1 || window > 50 {
		return match.Spec{}, false
	}
	for _, p := range kw.Phrases {
		if p == "" || len(p) > 200 {
			return match.Spec{}, false
		}
	}
	return match.Spec{
		Phrases:         kw.Phrases,
		Exclusions:      kw.Exclusions,
		ProximityWindow: window,
		RequireOrder:    kw.RequireOrder,
		UseStemming:     kw.UseStemming,
	}, true
}

func isBotAuthor(author string) bool {
	if _, ok := builtinBots[strings.ToLower(author)]; ok {
		return true
	}
	return botNamePattern.MatchString(author)
}

func redditURL(content model.RedditContent) string {
	if content.Permalink != "" {
		return content.Permalink
	}
	return "https://reddit.com/r/" + content.Subreddit + "/comments/" + content.SourceID
}
