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

package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Content kinds ingested from Reddit
type ContentType string

const (
	ContentTypePost    ContentType = "post"
	ContentTypeComment ContentType = "comment"
)

// Delivery state of a match alert. Transitions are pending -> sent or
// pending -> failed only; sent and failed are terminal.
type AlertStatus string

const (
	AlertStatusPending AlertStatus = "pending"
	AlertStatusSent    AlertStatus = "sent"
	AlertStatusFailed  AlertStatus = "failed"
)

// Reachability of a monitored subreddit
type SubredditStatus string

const (
	SubredditStatusActive       SubredditStatus = "active"
	SubredditStatusInaccessible SubredditStatus = "inaccessible"
	SubredditStatusPrivate      SubredditStatus = "private"
)

// A registered account that owns keywords, subreddits and webhooks
type Tenant struct {
	ID                  string    `gorm:"primaryKey"`
	Email               string    `gorm:"uniqueIndex;not null"`
	PollIntervalMinutes int       `gorm:"not null;default:60"`
	CreatedAt           time.Time `gorm:"not null"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// A matching rule: an OR-group of phrases with optional exclusions
type Keyword struct {
	ID              string     `gorm:"primaryKey"`
	TenantID        string     `gorm:"index;not null"`
	Phrases         []string   `gorm:"serializer:json;not null"`
	Exclusions      []string   `gorm:"serializer:json"`
	ProximityWindow int        `gorm:"not null;default:15"`
	RequireOrder    bool       `gorm:"not null;default:false"`
	UseStemming     bool       `gorm:"not null;default:false"`
	IsActive        bool       `gorm:"not null;default:true"`
	SilencedUntil   *time.Time
	CreatedAt       time.Time `gorm:"not null"`
}

func (k *Keyword) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// A subreddit watched on behalf of one tenant. The name is stored
// lowercased without the r/ prefix and is unique per tenant.
type MonitoredSubreddit struct {
	ID                string          `gorm:"primaryKey"`
	TenantID          string          `gorm:"uniqueIndex:idx_tenant_subreddit;not null"`
	Name              string          `gorm:"uniqueIndex:idx_tenant_subreddit;not null"`
	Status            SubredditStatus `gorm:"not null;default:active"`
	IncludeMediaPosts bool            `gorm:"not null;default:true"`
	DedupeCrossposts  bool            `gorm:"not null;default:true"`
	FilterBots        bool            `gorm:"not null;default:false"`
	LastPolledAt      *time.Time
	CreatedAt         time.Time `gorm:"not null"`
}

func (m *MonitoredSubreddit) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// A Discord webhook destination. At most one primary per tenant; the
// primary is the dispatch target, others are explicit failovers.
type WebhookConfig struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"index;not null"`
	URL          string `gorm:"not null"`
	GuildName    string
	IsPrimary    bool `gorm:"not null;default:true"`
	IsActive     bool `gorm:"not null;default:true"`
	LastTestedAt *time.Time
	CreatedAt    time.Time `gorm:"not null"`
}

func (w *WebhookConfig) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// A single fetched post or comment, shared across tenants. ContentHash
// is the sha-256 of the normalized text and backs ingestion dedup;
// CrosspostOf points at the original row when a duplicate body arrives
// under a different source id.
type RedditContent struct {
	ID              string      `gorm:"primaryKey"`
	SourceID        string      `gorm:"uniqueIndex;not null"`
	Subreddit       string      `gorm:"index:idx_content_sub_created;uniqueIndex:idx_content_hash;not null"`
	ContentType     ContentType `gorm:"uniqueIndex:idx_content_hash;not null"`
	Title           string
	Body            string `gorm:"not null"`
	Author          string `gorm:"not null"`
	NormalizedText  string `gorm:"not null"`
	ContentHash     string `gorm:"uniqueIndex:idx_content_hash;not null"`
	Permalink       string
	IsMediaPost     bool      `gorm:"not null;default:false"`
	CreatedAtRemote time.Time `gorm:"index:idx_content_sub_created;not null"`
	FetchedAt       time.Time `gorm:"not null"`
	IsDeleted       bool      `gorm:"not null;default:false"`
	CrosspostOf     *string   `gorm:"index"`
	// Stamped once a match run has covered this row; nil rows form the
	// durable match queue and survive a worker restart.
	ProcessedAt *time.Time `gorm:"index"`
}

func (c *RedditContent) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// A keyword hit on one content item for one tenant. The
// (tenant, keyword, content) triple is unique, which is what guarantees
// a match is never alerted twice.
type Match struct {
	ID             string      `gorm:"primaryKey"`
	TenantID       string      `gorm:"uniqueIndex:idx_match_triple;index:idx_match_dispatch;not null"`
	KeywordID      string      `gorm:"uniqueIndex:idx_match_triple;not null"`
	ContentID      string      `gorm:"uniqueIndex:idx_match_triple;not null"`
	ContentType    ContentType `gorm:"not null"`
	Subreddit      string      `gorm:"index;not null"`
	MatchedPhrase  string      `gorm:"not null"`
	AlsoMatched    []string    `gorm:"serializer:json"`
	Snippet        string      `gorm:"size:200;not null"`
	FullText       string      `gorm:"not null"`
	ProximityScore float64
	RedditURL      string `gorm:"not null"`
	RedditAuthor   string `gorm:"not null"`
	IsDeleted      bool   `gorm:"not null;default:false"`
	DetectedAt     time.Time `gorm:"index:idx_match_dispatch;not null"`
	AlertSentAt    *time.Time
	AlertStatus    AlertStatus `gorm:"index:idx_match_dispatch;not null;default:pending"`
}

func (m *Match) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Records that a source id carried the same body as an already-stored
// content row in the same subreddit (a mirror repost or crosspost). The
// body is processed once; the reference keeps the alternate id visible.
type CrosspostRef struct {
	ID              string `gorm:"primaryKey"`
	SourceID        string `gorm:"uniqueIndex;not null"`
	OriginContentID string `gorm:"index;not null"`
	Subreddit       string `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (c *CrosspostRef) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Shared incremental poll state for one subreddit across all tenants
type SubredditCursor struct {
	Name         string `gorm:"primaryKey"`
	LastSeenID   string
	LastPolledAt *time.Time
	BackoffUntil *time.Time
}

// Monotonic per-tenant config version, bumped by the API on every
// keyword/subreddit/webhook mutation. The config reader compares it
// against its cached snapshot.
type ConfigVersion struct {
	TenantID string `gorm:"primaryKey"`
	Version  int64  `gorm:"not null;default:0"`
}
