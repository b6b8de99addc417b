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

// Package tenantcfg is the pipeline's only view of tenant
// configuration: cached per-tenant snapshots refreshed on TTL expiry
// or an explicit invalidation signal from the API layer. The API is
// the only writer; the pipeline only reads.
package tenantcfg

import (
	"context"
	"time"

	"github.com/AnimeKaizoku/cacher"
	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/model"
	"github.com/reddalert/reddalert/internal/store"
)

// How long a snapshot may serve before a forced refresh
const snapshotTTL = time.Minute

// Immutable view of one tenant's pipeline config. Readers never see a
// snapshot mutate; refreshes swap in a new one.
type Snapshot struct {
	TenantID       string
	Email          string
	Keywords       []model.Keyword
	Subreddits     map[string]model.MonitoredSubreddit
	PrimaryWebhook *model.WebhookConfig
	Version        int64
}

// A (tenant, keyword) pair subscribed to some subreddit, with the
// tenant's per-subreddit filter settings attached.
type Pair struct {
	Snapshot  *Snapshot
	Subreddit model.MonitoredSubreddit
	Keyword   model.Keyword
}

// Reader serves cached config snapshots
type Reader struct {
	store *store.Store
	log   *zap.Logger
	cache *cacher.Cacher[string, *Snapshot]
	now   func() time.Time
}

func NewReader(st *store.Store, log *zap.Logger) *Reader {
	return &Reader{
		store: st,
		log:   log,
		cache: cacher.NewCacher[string, *Snapshot](&cacher.NewCacherOpts{
			TimeToLive:    snapshotTTL,
			CleanInterval: 5 * time.Minute,
			CleanerMode:   cacher.CleaningCentral,
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot returns the tenant's current config view, loading it from
// the store when no fresh cached copy exists. The API lives in another
// process, so its mutation signal is the ConfigVersion counter: a
// cache hit is served only after its version still matches the row,
// which keeps a cached snapshot from outliving a config change for
// more than one cheap counter read.
func (r *Reader) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	if snap, ok := r.cache.Get(tenantID); ok {
		version, err := r.store.ConfigVersion(ctx, tenantID)
		if err == nil && version == snap.Version {
			return snap, nil
		}
		if err != nil {
			r.log.Warn("Config version check failed, reloading snapshot",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
		}
	}

	snap, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(tenantID, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot after an API-signaled config
// version bump; the next read reloads.
func (r *Reader) Invalidate(tenantID string) {
	r.cache.Delete(tenantID)
}

// ActivePairs resolves the fan-out set for a subreddit: every active,
// unsilenced (tenant, keyword) pair whose monitor covers it.
func (r *Reader) ActivePairs(ctx context.Context, subreddit string) ([]Pair, error) {
	tenantIDs, err := r.store.TenantIDsForSubreddit(ctx, subreddit)
	if err != nil {
		return nil, err
	}

	var pairs []Pair
	for _, tenantID := range tenantIDs {
		snap, err := r.Snapshot(ctx, tenantID)
		if err != nil {
			// Tenant-scoped failure; others proceed
			r.log.Error("Failed to load tenant config",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		sub, ok := snap.Subreddits[subreddit]
		if !ok || sub.Status != model.SubredditStatusActive {
			continue
		}
		for _, kw := range snap.Keywords {
			pairs = append(pairs, Pair{Snapshot: snap, Subreddit: sub, Keyword: kw})
		}
	}
	return pairs, nil
}

func (r *Reader) load(ctx context.Context, tenantID string) (*Snapshot, error) {
	bundle, err := r.store.LoadTenantBundle(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	keywords := make([]model.Keyword, 0, len(bundle.Keywords))
	for _, kw := range bundle.Keywords {
		if !kw.IsActive {
			continue
		}
		if kw.SilencedUntil != nil {
			if kw.SilencedUntil.After(now) {
				continue
			}
			// Silence expired; clear it lazily
			if err := r.store.ClearSilence(ctx, kw.ID); err != nil {
				r.log.Warn("Failed to clear expired silence",
					zap.String("keyword_id", kw.ID),
					zap.Error(err),
				)
			}
			kw.SilencedUntil = nil
		}
		keywords = append(keywords, kw)
	}

	subs := make(map[string]model.MonitoredSubreddit, len(bundle.Subreddits))
	for _, sub := range bundle.Subreddits {
		subs[sub.Name] = sub
	}

	return &Snapshot{
		TenantID:       tenantID,
		Email:          bundle.Tenant.Email,
		Keywords:       keywords,
		Subreddits:     subs,
		PrimaryWebhook: pickPrimary(bundle.Webhooks),
		Version:        bundle.Version,
	}, nil
}

// pickPrimary prefers the active primary webhook, then any active one
func pickPrimary(webhooks []model.WebhookConfig) *model.WebhookConfig {
	for i := range webhooks {
		if webhooks[i].IsActive && webhooks[i].IsPrimary {
			return &webhooks[i]
		}
	}
	for i := range webhooks {
		if webhooks[i].IsActive {
			return &webhooks[i]
		}
	}
	return nil
}
