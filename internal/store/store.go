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

// Package store is the durable layer behind the pipeline: shared
// content with ingestion dedup, match rows guarded by a unique triple,
// poll cursors, tenant config reads and retention.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/reddalert/reddalert/internal/model"
)

// Outcome of an ingestion upsert
type UpsertOutcome int

const (
	// A new content row was created
	OutcomeInserted UpsertOutcome = iota
	// The row already existed under the same source id; fetchedAt refreshed
	OutcomeRefreshed
	// Same body under a different source id; a crosspost reference was
	// recorded and no content row was added
	OutcomeCrosspost
)

// Store wraps the relational database
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Tenant{},
		&model.Keyword{},
		&model.MonitoredSubreddit{},
		&model.WebhookConfig{},
		&model.RedditContent{},
		&model.CrosspostRef{},
		&model.Match{},
		&model.SubredditCursor{},
		&model.ConfigVersion{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB exposes the underlying handle for test seeding
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ------------------------------------------------------------------
// Content ingestion
// ------------------------------------------------------------------

// UpsertContent persists a fetched item with hash-based dedup. Same
// (subreddit, type, hash) with the same source id refreshes fetchedAt;
// with a different source id it records a crosspost reference and
// stores nothing else. A body already seen in another subreddit gets a
// CrosspostOf pointer to the original row.
func (s *Store) UpsertContent(ctx context.Context, c *model.RedditContent) (UpsertOutcome, *model.RedditContent, error) {
	db := s.db.WithContext(ctx)

	var existing model.RedditContent
	err := db.Where("subreddit = ? AND content_type = ? AND content_hash = ?",
		c.Subreddit, c.ContentType, c.ContentHash).First(&existing).Error
	switch {
	case err == nil:
		if existing.SourceID == c.SourceID {
			if err := db.Model(&existing).Update("fetched_at", c.FetchedAt).Error; err != nil {
				return 0, nil, err
			}
			return OutcomeRefreshed, &existing, nil
		}
		ref := model.CrosspostRef{
			SourceID:        c.SourceID,
			OriginContentID: existing.ID,
			Subreddit:       c.Subreddit,
			CreatedAt:       c.FetchedAt,
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&ref).Error; err != nil {
			return 0, nil, err
		}
		return OutcomeCrosspost, &existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, nil, err
	}

	// Safety net: source id already stored (body may have been edited)
	err = db.Where("source_id = ?", c.SourceID).First(&existing).Error
	if err == nil {
		if err := db.Model(&existing).Update("fetched_at", c.FetchedAt).Error; err != nil {
			return 0, nil, err
		}
		return OutcomeRefreshed, &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil, err
	}

	// Same body in a different subreddit: keep both rows but link the
	// newcomer to its origin for per-tenant crosspost dedup.
	var origin model.RedditContent
	err = db.Where("content_hash = ? AND subreddit <> ?", c.ContentHash, c.Subreddit).
		Order("created_at_remote").First(&origin).Error
	if err == nil {
		c.CrosspostOf = &origin.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil, err
	}

	if err := db.Create(c).Error; err != nil {
		return 0, nil, err
	}
	return OutcomeInserted, c, nil
}

// UnprocessedContent returns content rows no match run has covered
// yet, oldest first. This is the durable poll-to-match handoff: rows
// ingested before a crash or skipped by a failed fan-out stay in the
// queue until a run stamps them.
func (s *Store) UnprocessedContent(ctx context.Context, limit int) ([]model.RedditContent, error) {
	var rows []model.RedditContent
	err := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("created_at_remote").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkContentProcessed stamps content rows as covered by a match run
func (s *Store) MarkContentProcessed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.RedditContent{}).
		Where("id IN ?", ids).
		Update("processed_at", at).Error
}

// MarkContentDeleted flips is_deleted for a source id. Returns false
// when no such row exists.
func (s *Store) MarkContentDeleted(ctx context.Context, sourceID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.RedditContent{}).
		Where("source_id = ?", sourceID).
		Update("is_deleted", true)
	return res.RowsAffected > 0, res.Error
}

// ------------------------------------------------------------------
// Poll cursors and subreddit status
// ------------------------------------------------------------------

// Cursor returns the shared poll cursor for a subreddit, zero-valued
// when the subreddit has never been polled.
func (s *Store) Cursor(ctx context.Context, name string) (model.SubredditCursor, error) {
	var cur model.SubredditCursor
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.SubredditCursor{Name: name}, nil
	}
	return cur, err
}

// SaveCursor upserts the shared poll cursor
func (s *Store) SaveCursor(ctx context.Context, cur model.SubredditCursor) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&cur).Error
}

// MonitoredSubredditNames lists every distinct monitored subreddit
// name, quarantined ones included. The poll cursor's BackoffUntil is
// what keeps an inaccessible subreddit quiet; once the window elapses
// the next poll tries it again, and a successful fetch restores the
// active status.
func (s *Store) MonitoredSubredditNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&model.MonitoredSubreddit{}).
		Distinct("name").Order("name").Pluck("name", &names).Error
	return names, err
}

// MinPollInterval returns the effective cadence for a subreddit: the
// smallest poll interval among subscribed tenants.
func (s *Store) MinPollInterval(ctx context.Context, name string) (int, error) {
	var minutes int
	err := s.db.WithContext(ctx).Model(&model.MonitoredSubreddit{}).
		Select("COALESCE(MIN(tenants.poll_interval_minutes), 0)").
		Joins("JOIN tenants ON tenants.id = monitored_subreddits.tenant_id").
		Where("monitored_subreddits.name = ?", name).
		Scan(&minutes).Error
	return minutes, err
}

// SetSubredditStatus updates the status of every tenant row for a
// subreddit name.
func (s *Store) SetSubredditStatus(ctx context.Context, name string, status model.SubredditStatus) error {
	return s.db.WithContext(ctx).Model(&model.MonitoredSubreddit{}).
		Where("name = ?", name).
		Update("status", status).Error
}

// TouchSubreddit records a successful poll: status back to active and
// last_polled_at stamped for every tenant row.
func (s *Store) TouchSubreddit(ctx context.Context, name string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.MonitoredSubreddit{}).
		Where("name = ?", name).
		Updates(map[string]any{
			"status":         model.SubredditStatusActive,
			"last_polled_at": at,
		}).Error
}

// ------------------------------------------------------------------
// Matches
// ------------------------------------------------------------------

// InsertMatch creates a match row. A duplicate (tenant, keyword,
// content) triple is treated as success and reported with false.
func (s *Store) InsertMatch(ctx context.Context, m *model.Match) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// HasMatch reports whether a (tenant, keyword, content) triple already
// has a match row.
func (s *Store) HasMatch(ctx context.Context, tenantID, keywordID, contentID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Match{}).
		Where("tenant_id = ? AND keyword_id = ? AND content_id = ?", tenantID, keywordID, contentID).
		Count(&count).Error
	return count > 0, err
}

// PendingMatches returns all matches awaiting dispatch in detection
// order.
func (s *Store) PendingMatches(ctx context.Context) ([]model.Match, error) {
	var matches []model.Match
	err := s.db.WithContext(ctx).
		Where("alert_status = ?", model.AlertStatusPending).
		Order("detected_at").Find(&matches).Error
	return matches, err
}

// MarkMatchesSent transitions pending matches to sent. Rows already in
// a terminal state are left untouched.
func (s *Store) MarkMatchesSent(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.Match{}).
		Where("id IN ? AND alert_status = ?", ids, model.AlertStatusPending).
		Updates(map[string]any{
			"alert_status":  model.AlertStatusSent,
			"alert_sent_at": at,
		}).Error
}

// MarkMatchesFailed transitions pending matches to failed
func (s *Store) MarkMatchesFailed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.Match{}).
		Where("id IN ? AND alert_status = ?", ids, model.AlertStatusPending).
		Update("alert_status", model.AlertStatusFailed).Error
}

// ------------------------------------------------------------------
// Tenant config reads
// ------------------------------------------------------------------

// Everything the pipeline needs to know about one tenant
type TenantBundle struct {
	Tenant     model.Tenant
	Keywords   []model.Keyword
	Subreddits []model.MonitoredSubreddit
	Webhooks   []model.WebhookConfig
	Version    int64
}

// LoadTenantBundle reads a tenant's full pipeline config in one shot
func (s *Store) LoadTenantBundle(ctx context.Context, tenantID string) (TenantBundle, error) {
	db := s.db.WithContext(ctx)
	var b TenantBundle

	if err := db.Where("id = ?", tenantID).First(&b.Tenant).Error; err != nil {
		return b, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	if err := db.Where("tenant_id = ?", tenantID).Order("created_at").Find(&b.Keywords).Error; err != nil {
		return b, err
	}
	if err := db.Where("tenant_id = ?", tenantID).Order("name").Find(&b.Subreddits).Error; err != nil {
		return b, err
	}
	if err := db.Where("tenant_id = ?", tenantID).Order("created_at").Find(&b.Webhooks).Error; err != nil {
		return b, err
	}

	version, err := s.ConfigVersion(ctx, tenantID)
	if err != nil {
		return b, err
	}
	b.Version = version
	return b, nil
}

// TenantIDsForSubreddit lists tenants with an active monitor on the
// given subreddit name.
func (s *Store) TenantIDsForSubreddit(ctx context.Context, name string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.MonitoredSubreddit{}).
		Where("name = ? AND status = ?", name, model.SubredditStatusActive).
		Distinct("tenant_id").Pluck("tenant_id", &ids).Error
	return ids, err
}

// ConfigVersion returns the tenant's monotonic config counter, zero if
// it has never been bumped.
func (s *Store) ConfigVersion(ctx context.Context, tenantID string) (int64, error) {
	var cv model.ConfigVersion
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&cv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return cv.Version, err
}

// BumpConfigVersion increments the tenant's config counter. The API
// layer calls this on every mutation; tests use it to force snapshot
// refreshes.
func (s *Store) BumpConfigVersion(ctx context.Context, tenantID string) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&model.ConfigVersion{}).
		Where("tenant_id = ?", tenantID).
		Update("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return db.Create(&model.ConfigVersion{TenantID: tenantID, Version: 1}).Error
	}
	return nil
}

// ClearSilence removes an expired silence window from a keyword
func (s *Store) ClearSilence(ctx context.Context, keywordID string) error {
	return s.db.WithContext(ctx).Model(&model.Keyword{}).
		Where("id = ?", keywordID).
		Update("silenced_until", nil).Error
}

// ------------------------------------------------------------------
// Retention
// ------------------------------------------------------------------

// CleanupOldData deletes matches, content and crosspost references
// older than the retention period. Matches go first; they reference
// content rows.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) (int64, int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	db := s.db.WithContext(ctx)

	matches := db.Where("detected_at < ?", cutoff).Delete(&model.Match{})
	if matches.Error != nil {
		return 0, 0, matches.Error
	}
	content := db.Where("fetched_at < ?", cutoff).Delete(&model.RedditContent{})
	if content.Error != nil {
		return matches.RowsAffected, 0, content.Error
	}
	if err := db.Where("created_at < ?", cutoff).Delete(&model.CrosspostRef{}).Error; err != nil {
		return matches.RowsAffected, content.RowsAffected, err
	}

	s.log.Info("Retention cleanup complete",
		zap.Int64("matches_deleted", matches.RowsAffected),
		zap.Int64("content_deleted", content.RowsAffected),
		zap.Int("retention_days", retentionDays),
	)
	return matches.RowsAffected, content.RowsAffected, nil
}
