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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	return st
}

func testContent(sourceID, subreddit, hash string) *model.RedditContent {
	now := time.Now().UTC()
	return &model.RedditContent{
		SourceID:        sourceID,
		Subreddit:       subreddit,
		ContentType:     model.ContentTypePost,
		Title:           "title",
		Body:            "body",
		Author:          "author",
		NormalizedText:  "title body",
		ContentHash:     hash,
		Permalink:       "/r/" + subreddit + "/comments/abc",
		CreatedAtRemote: now,
		FetchedAt:       now,
	}
}

func TestUpsertContentInsertAndRefresh(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	outcome, row, err := st.UpsertContent(ctx, testContent("t3_aaa", "sportsbook", "hash1"))
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if outcome != OutcomeInserted {
		t.Fatalf("outcome = %v, want OutcomeInserted", outcome)
	}
	firstID := row.ID

	// Same source id again only refreshes fetched_at
	later := testContent("t3_aaa", "sportsbook", "hash1")
	later.FetchedAt = later.FetchedAt.Add(time.Hour)
	outcome, row, err = st.UpsertContent(ctx, later)
	if err != nil {
		t.Fatalf("refresh upsert failed: %v", err)
	}
	if outcome != OutcomeRefreshed {
		t.Errorf("outcome = %v, want OutcomeRefreshed", outcome)
	}
	if row.ID != firstID {
		t.Errorf("refresh returned row %s, want %s", row.ID, firstID)
	}

	var count int64
	st.DB().Model(&model.RedditContent{}).Count(&count)
	if count != 1 {
		t.Errorf("content rows = %d, want 1", count)
	}
}

func TestUpsertContentCrosspostSameSubreddit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, origin, err := st.UpsertContent(ctx, testContent("t3_aaa", "sportsbook", "hash1"))
	if err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	// Same body under a different source id in the same subreddit
	outcome, row, err := st.UpsertContent(ctx, testContent("t3_bbb", "sportsbook", "hash1"))
	if err != nil {
		t.Fatalf("crosspost upsert failed: %v", err)
	}
	if outcome != OutcomeCrosspost {
		t.Fatalf("outcome = %v, want OutcomeCrosspost", outcome)
	}
	if row.ID != origin.ID {
		t.Errorf("crosspost returned row %s, want origin %s", row.ID, origin.ID)
	}

	var contentCount, refCount int64
	st.DB().Model(&model.RedditContent{}).Count(&contentCount)
	st.DB().Model(&model.CrosspostRef{}).Count(&refCount)
	if contentCount != 1 {
		t.Errorf("content rows = %d, want 1", contentCount)
	}
	if refCount != 1 {
		t.Errorf("crosspost refs = %d, want 1", refCount)
	}

	var ref model.CrosspostRef
	st.DB().First(&ref)
	if ref.SourceID != "t3_bbb" || ref.OriginContentID != origin.ID {
		t.Errorf("ref = %+v, want source t3_bbb -> origin %s", ref, origin.ID)
	}
}

func TestUpsertContentCrosspostAcrossSubreddits(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, origin, err := st.UpsertContent(ctx, testContent("t3_aaa", "sportsbook", "hash1"))
	if err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	// Same body in another subreddit keeps its own row, linked to the
	// origin for per-tenant crosspost dedup.
	outcome, row, err := st.UpsertContent(ctx, testContent("t3_ccc", "gambling", "hash1"))
	if err != nil {
		t.Fatalf("cross-subreddit upsert failed: %v", err)
	}
	if outcome != OutcomeInserted {
		t.Fatalf("outcome = %v, want OutcomeInserted", outcome)
	}
	if row.CrosspostOf == nil || *row.CrosspostOf != origin.ID {
		t.Errorf("CrosspostOf = %v, want origin %s", row.CrosspostOf, origin.ID)
	}

	var count int64
	st.DB().Model(&model.RedditContent{}).Count(&count)
	if count != 2 {
		t.Errorf("content rows = %d, want 2", count)
	}
}

func TestUnprocessedContentQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := testContent("t3_old", "sportsbook", "hash1")
	older.CreatedAtRemote = now.Add(-time.Hour)
	newer := testContent("t3_new", "sportsbook", "hash2")
	newer.CreatedAtRemote = now
	if _, _, err := st.UpsertContent(ctx, newer); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, _, err := st.UpsertContent(ctx, older); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	rows, err := st.UnprocessedContent(ctx, 10)
	if err != nil {
		t.Fatalf("UnprocessedContent failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("queue = %d rows, want 2", len(rows))
	}
	if rows[0].SourceID != "t3_old" {
		t.Error("queue not oldest first")
	}

	if err := st.MarkContentProcessed(ctx, []string{rows[0].ID}, now); err != nil {
		t.Fatalf("MarkContentProcessed failed: %v", err)
	}
	rows, _ = st.UnprocessedContent(ctx, 10)
	if len(rows) != 1 || rows[0].SourceID != "t3_new" {
		t.Errorf("queue after stamp = %+v, want only t3_new", rows)
	}

	// The limit bounds a single drain
	rows, _ = st.UnprocessedContent(ctx, 0)
	if len(rows) != 0 {
		t.Errorf("limit 0 returned %d rows", len(rows))
	}
}

func TestMarkContentDeleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, _, err := st.UpsertContent(ctx, testContent("t3_aaa", "sportsbook", "hash1")); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	found, err := st.MarkContentDeleted(ctx, "t3_aaa")
	if err != nil || !found {
		t.Fatalf("MarkContentDeleted = (%v, %v), want (true, nil)", found, err)
	}
	found, err = st.MarkContentDeleted(ctx, "t3_zzz")
	if err != nil || found {
		t.Fatalf("MarkContentDeleted on unknown id = (%v, %v), want (false, nil)", found, err)
	}

	var row model.RedditContent
	st.DB().Where("source_id = ?", "t3_aaa").First(&row)
	if !row.IsDeleted {
		t.Error("row not marked deleted")
	}
}

func TestCursorRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cur, err := st.Cursor(ctx, "sportsbook")
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if cur.Name != "sportsbook" || cur.LastSeenID != "" {
		t.Errorf("fresh cursor = %+v, want zero-valued", cur)
	}

	now := time.Now().UTC()
	cur.LastSeenID = "t3_abc"
	cur.LastPolledAt = &now
	if err := st.SaveCursor(ctx, cur); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}

	// Upsert on the same name overwrites
	cur.LastSeenID = "t3_def"
	if err := st.SaveCursor(ctx, cur); err != nil {
		t.Fatalf("second SaveCursor failed: %v", err)
	}

	got, err := st.Cursor(ctx, "sportsbook")
	if err != nil {
		t.Fatalf("Cursor reload failed: %v", err)
	}
	if got.LastSeenID != "t3_def" {
		t.Errorf("LastSeenID = %q, want t3_def", got.LastSeenID)
	}
}

func TestMonitoredSubredditsAndMinInterval(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	db := st.DB()

	fast := model.Tenant{Email: "fast@example.com", PollIntervalMinutes: 15}
	slow := model.Tenant{Email: "slow@example.com", PollIntervalMinutes: 120}
	db.Create(&fast)
	db.Create(&slow)

	db.Create(&model.MonitoredSubreddit{TenantID: fast.ID, Name: "sportsbook", Status: model.SubredditStatusActive})
	db.Create(&model.MonitoredSubreddit{TenantID: slow.ID, Name: "sportsbook", Status: model.SubredditStatusActive})
	db.Create(&model.MonitoredSubreddit{TenantID: slow.ID, Name: "gambling", Status: model.SubredditStatusPrivate})

	// Quarantined subreddits stay in the poll set so they can recover
	names, err := st.MonitoredSubredditNames(ctx)
	if err != nil {
		t.Fatalf("MonitoredSubredditNames failed: %v", err)
	}
	if len(names) != 2 || names[0] != "gambling" || names[1] != "sportsbook" {
		t.Errorf("names = %v, want [gambling sportsbook]", names)
	}

	// The fastest subscribed tenant sets the cadence
	minutes, err := st.MinPollInterval(ctx, "sportsbook")
	if err != nil {
		t.Fatalf("MinPollInterval failed: %v", err)
	}
	if minutes != 15 {
		t.Errorf("MinPollInterval = %d, want 15", minutes)
	}

	if err := st.SetSubredditStatus(ctx, "sportsbook", model.SubredditStatusInaccessible); err != nil {
		t.Fatalf("SetSubredditStatus failed: %v", err)
	}
	var mon model.MonitoredSubreddit
	db.Where("name = ? AND tenant_id = ?", "sportsbook", fast.ID).First(&mon)
	if mon.Status != model.SubredditStatusInaccessible {
		t.Errorf("status = %s, want inaccessible", mon.Status)
	}

	// A successful poll restores the active status
	if err := st.TouchSubreddit(ctx, "sportsbook", time.Now().UTC()); err != nil {
		t.Fatalf("TouchSubreddit failed: %v", err)
	}
	db.Where("name = ? AND tenant_id = ?", "sportsbook", fast.ID).First(&mon)
	if mon.Status != model.SubredditStatusActive {
		t.Errorf("status = %s, want active after touch", mon.Status)
	}
	if mon.LastPolledAt == nil {
		t.Error("LastPolledAt not stamped")
	}
}

func testMatch(tenantID, keywordID, contentID string, detectedAt time.Time) *model.Match {
	return &model.Match{
		TenantID:      tenantID,
		KeywordID:     keywordID,
		ContentID:     contentID,
		ContentType:   model.ContentTypePost,
		Subreddit:     "sportsbook",
		MatchedPhrase: "arbitrage betting",
		Snippet:       "snippet",
		FullText:      "full text",
		RedditURL:     "https://reddit.com/r/sportsbook/comments/abc",
		RedditAuthor:  "author",
		DetectedAt:    detectedAt,
		AlertStatus:   model.AlertStatusPending,
	}
}

func TestInsertMatchDedup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := st.InsertMatch(ctx, testMatch("tenant1", "kw1", "content1", now))
	if err != nil || !created {
		t.Fatalf("InsertMatch = (%v, %v), want (true, nil)", created, err)
	}

	// Same triple again is a silent no-op
	created, err = st.InsertMatch(ctx, testMatch("tenant1", "kw1", "content1", now))
	if err != nil {
		t.Fatalf("duplicate InsertMatch errored: %v", err)
	}
	if created {
		t.Error("duplicate triple reported as created")
	}

	has, err := st.HasMatch(ctx, "tenant1", "kw1", "content1")
	if err != nil || !has {
		t.Errorf("HasMatch = (%v, %v), want (true, nil)", has, err)
	}
	has, _ = st.HasMatch(ctx, "tenant1", "kw1", "other")
	if has {
		t.Error("HasMatch true for unknown triple")
	}
}

func TestPendingMatchesAndStatusTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := testMatch("tenant1", "kw1", "content1", now.Add(-time.Hour))
	newer := testMatch("tenant1", "kw1", "content2", now)
	st.InsertMatch(ctx, older)
	st.InsertMatch(ctx, newer)

	pending, err := st.PendingMatches(ctx)
	if err != nil {
		t.Fatalf("PendingMatches failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != older.ID {
		t.Error("pending matches not in detection order")
	}

	if err := st.MarkMatchesSent(ctx, []string{older.ID}, now); err != nil {
		t.Fatalf("MarkMatchesSent failed: %v", err)
	}
	if err := st.MarkMatchesFailed(ctx, []string{newer.ID}); err != nil {
		t.Fatalf("MarkMatchesFailed failed: %v", err)
	}

	pending, _ = st.PendingMatches(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after transitions = %d, want 0", len(pending))
	}

	// Terminal states never transition again
	if err := st.MarkMatchesFailed(ctx, []string{older.ID}); err != nil {
		t.Fatalf("MarkMatchesFailed on sent row errored: %v", err)
	}
	var row model.Match
	st.DB().Where("id = ?", older.ID).First(&row)
	if row.AlertStatus != model.AlertStatusSent {
		t.Errorf("sent row became %s", row.AlertStatus)
	}
	if row.AlertSentAt == nil {
		t.Error("AlertSentAt not stamped")
	}
}

func TestLoadTenantBundle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	db := st.DB()

	tenant := model.Tenant{Email: "user@example.com", PollIntervalMinutes: 60}
	db.Create(&tenant)
	db.Create(&model.Keyword{TenantID: tenant.ID, Phrases: []string{"arbitrage betting"}, ProximityWindow: 15, IsActive: true})
	db.Create(&model.MonitoredSubreddit{TenantID: tenant.ID, Name: "sportsbook", Status: model.SubredditStatusActive})
	db.Create(&model.WebhookConfig{TenantID: tenant.ID, URL: "https://discord.com/api/webhooks/1/abc", IsPrimary: true, IsActive: true})

	b, err := st.LoadTenantBundle(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("LoadTenantBundle failed: %v", err)
	}
	if b.Tenant.Email != "user@example.com" {
		t.Errorf("tenant email = %q", b.Tenant.Email)
	}
	if len(b.Keywords) != 1 || len(b.Subreddits) != 1 || len(b.Webhooks) != 1 {
		t.Errorf("bundle sizes = %d/%d/%d, want 1/1/1", len(b.Keywords), len(b.Subreddits), len(b.Webhooks))
	}
	if b.Version != 0 {
		t.Errorf("fresh version = %d, want 0", b.Version)
	}

	ids, err := st.TenantIDsForSubreddit(ctx, "sportsbook")
	if err != nil || len(ids) != 1 || ids[0] != tenant.ID {
		t.Errorf("TenantIDsForSubreddit = (%v, %v)", ids, err)
	}
}

func TestConfigVersionBump(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v, err := st.ConfigVersion(ctx, "tenant1")
	if err != nil || v != 0 {
		t.Fatalf("fresh ConfigVersion = (%d, %v), want (0, nil)", v, err)
	}

	for i := 1; i <= 3; i++ {
		if err := st.BumpConfigVersion(ctx, "tenant1"); err != nil {
			t.Fatalf("bump %d failed: %v", i, err)
		}
	}
	v, _ = st.ConfigVersion(ctx, "tenant1")
	if v != 3 {
		t.Errorf("version = %d, want 3", v)
	}
}

func TestClearSilence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	db := st.DB()

	until := time.Now().UTC().Add(-time.Hour)
	kw := model.Keyword{TenantID: "tenant1", Phrases: []string{"arbitrage"}, SilencedUntil: &until, IsActive: true}
	db.Create(&kw)

	if err := st.ClearSilence(ctx, kw.ID); err != nil {
		t.Fatalf("ClearSilence failed: %v", err)
	}
	var got model.Keyword
	db.Where("id = ?", kw.ID).First(&got)
	if got.SilencedUntil != nil {
		t.Errorf("SilencedUntil = %v, want nil", got.SilencedUntil)
	}
}

func TestCleanupOldData(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -120)

	stale := testContent("t3_old", "sportsbook", "hash_old")
	stale.FetchedAt = old
	fresh := testContent("t3_new", "sportsbook", "hash_new")
	if _, _, err := st.UpsertContent(ctx, stale); err != nil {
		t.Fatalf("seed stale failed: %v", err)
	}
	if _, _, err := st.UpsertContent(ctx, fresh); err != nil {
		t.Fatalf("seed fresh failed: %v", err)
	}
	st.InsertMatch(ctx, testMatch("tenant1", "kw1", "content_old", old))
	st.InsertMatch(ctx, testMatch("tenant1", "kw1", "content_new", time.Now().UTC()))

	matches, content, err := st.CleanupOldData(ctx, 90)
	if err != nil {
		t.Fatalf("CleanupOldData failed: %v", err)
	}
	if matches != 1 || content != 1 {
		t.Errorf("deleted (%d matches, %d content), want (1, 1)", matches, content)
	}

	var matchCount, contentCount int64
	st.DB().Model(&model.Match{}).Count(&matchCount)
	st.DB().Model(&model.RedditContent{}).Count(&contentCount)
	if matchCount != 1 || contentCount != 1 {
		t.Errorf("remaining (%d matches, %d content), want (1, 1)", matchCount, contentCount)
	}
}
