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

// Package dispatch delivers pending matches to tenant Discord
// webhooks. Matches accumulating within the 2-minute window are
// batched once three pile up; stragglers older than the window go out
// individually. A match is delivered at most once: the unique match
// triple plus the pending -> sent|failed transition guarantee it.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reddalert/reddalert/internal/model"
	"github.com/reddalert/reddalert/internal/notify"
	"github.com/reddalert/reddalert/internal/store"
	"github.com/reddalert/reddalert/internal/tenantcfg"
)

const (
	batchThreshold   = 3
	batchWindow      = 2 * time.Minute
	maxEmbedsPerCall = 10
	maxAttempts      = 3

	embedColor = 0xFF4500 // Reddit orange
)

// Backoff schedule between delivery attempts, before jitter
var attemptDelays = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}

// Dispatcher batches and sends webhook alerts
type Dispatcher struct {
	store      *store.Store
	reader     *tenantcfg.Reader
	mailer     notify.Mailer
	client     *http.Client
	log        *zap.Logger
	urlPattern *regexp.Regexp
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(st *store.Store, reader *tenantcfg.Reader, mailer notify.Mailer, urlPattern *regexp.Regexp, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:      st,
		reader:     reader,
		mailer:     mailer,
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        log,
		urlPattern: urlPattern,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}
}

// DispatchPending applies the batching rule to all pending matches and
// delivers them. Returns counts of matches sent and failed; matches
// still inside the accumulation window are left pending.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, int) {
	pending, err := d.store.PendingMatches(ctx)
	if err != nil {
		d.log.Error("Failed to load pending matches", zap.Error(err))
		return 0, 0
	}
	if len(pending) == 0 {
		return 0, 0
	}

	byTenant := make(map[string][]model.Match)
	var order []string
	for _, m := range pending {
		if _, seen := byTenant[m.TenantID]; !seen {
			order = append(order, m.TenantID)
		}
		byTenant[m.TenantID] = append(byTenant[m.TenantID], m)
	}

	var sent, failed int
	for _, tenantID := range order {
		if ctx.Err() != nil {
			break
		}
		s, f := d.dispatchTenant(ctx, tenantID, byTenant[tenantID])
		sent += s
		failed += f
	}
	return sent, failed
}

func (d *Dispatcher) dispatchTenant(ctx context.Context, tenantID string, matches []model.Match) (int, int) {
	snap, err := d.reader.Snapshot(ctx, tenantID)
	if err != nil {
		d.log.Error("Failed to load tenant config for dispatch",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return 0, 0
	}
	if snap.PrimaryWebhook == nil {
		d.log.Warn("No active webhook for tenant, leaving matches pending",
			zap.String("tenant_id", tenantID), zap.Int("pending", len(matches)))
		return 0, 0
	}
	if !d.urlPattern.MatchString(snap.PrimaryWebhook.URL) {
		// A URL that no longer passes the acceptance pattern is never
		// posted to. Fail the matches and fall back.
		d.log.Error("Webhook URL rejected by pattern",
			zap.String("tenant_id", tenantID))
		return 0, d.fail(ctx, snap, matches)
	}

	cutoff := d.now().Add(-batchWindow)
	var recent, overdue []model.Match
	for _, m := range matches {
		if m.DetectedAt.After(cutoff) {
			recent = append(recent, m)
		} else {
			overdue = append(overdue, m)
		}
	}

	var sent, failed int

	// Enough recent matches to batch; otherwise they keep accumulating
	// until the window passes them by.
	if len(recent) >= batchThreshold {
		for _, chunk := range chunkMatches(recent, maxEmbedsPerCall) {
			s, f := d.send(ctx, snap, chunk, true)
			sent += s
			failed += f
		}
	}

	for _, m := range overdue {
		s, f := d.send(ctx, snap, []model.Match{m}, false)
		sent += s
		failed += f
	}
	return sent, failed
}

// send delivers one webhook call covering the given matches and
// records the outcome.
func (d *Dispatcher) send(ctx context.Context, snap *tenantcfg.Snapshot, matches []model.Match, batched bool) (int, int) {
	payload := d.buildPayload(matches, batched)

	if err := d.deliver(ctx, snap.PrimaryWebhook.URL, payload); err != nil {
		d.log.Error("Webhook delivery failed",
			zap.String("tenant_id", snap.TenantID),
			zap.Int("matches", len(matches)),
			zap.Error(err),
		)
		return 0, d.fail(ctx, snap, matches)
	}

	ids := matchIDs(matches)
	if err := d.store.MarkMatchesSent(ctx, ids, d.now()); err != nil {
		d.log.Error("Failed to mark matches sent", zap.Error(err))
	}
	d.log.Info("Alert delivered",
		zap.String("tenant_id", snap.TenantID),
		zap.Int("matches", len(matches)),
		zap.Bool("batched", batched),
	)
	return len(matches), 0
}

// deliver POSTs the payload with up to three attempts. Waits follow
// the 1s/4s/16s schedule with ±20% jitter; a 429 Retry-After hint
// overrides the scheduled wait.
func (d *Dispatcher) deliver(ctx context.Context, url string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		retryHint, err := d.attempt(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}

		wait := jitter(attemptDelays[attempt-1])
		if retryHint > 0 {
			wait = retryHint
		}
		d.log.Warn("Webhook attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

// attempt performs a single POST. The returned duration is the
// server's Retry-After hint when rate limited, zero otherwise.
func (d *Dispatcher) attempt(ctx context.Context, url string, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("network error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		hint := 5 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, perr := time.ParseDuration(v + "s"); perr == nil {
				hint = secs
			}
		}
		return hint, fmt.Errorf("rate limited (retry after %s)", hint)
	}
	return 0, fmt.Errorf("webhook returned status: %d", resp.StatusCode)
}

// fail marks matches failed and emits the email fallback
func (d *Dispatcher) fail(ctx context.Context, snap *tenantcfg.Snapshot, matches []model.Match) int {
	if err := d.store.MarkMatchesFailed(ctx, matchIDs(matches)); err != nil {
		d.log.Error("Failed to mark matches failed", zap.Error(err))
	}

	if snap.Email == "" {
		d.log.Warn("No email on file for tenant, fallback skipped",
			zap.String("tenant_id", snap.TenantID))
		return len(matches)
	}

	for _, m := range matches {
		subject := fmt.Sprintf("Reddalert: alert delivery failed for %q", m.MatchedPhrase)
		body := fmt.Sprintf(
			"Webhook delivery failed after %d attempts.\n\nKeyword: %s\nSubreddit: r/%s\nAuthor: u/%s\nLink: %s\n\n%s\n",
			maxAttempts, m.MatchedPhrase, m.Subreddit, m.RedditAuthor, m.RedditURL, m.Snippet,
		)
		if err := d.mailer.Send(ctx, snap.Email, subject, body); err != nil {
			d.log.Error("Fallback email failed",
				zap.String("tenant_id", snap.TenantID),
				zap.Error(err),
			)
		}
	}
	return len(matches)
}

// ------------------------------------------------------------------
// Payload formatting
// ------------------------------------------------------------------

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	URL         string       `json:"url"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *embedFooter `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

func (d *Dispatcher) buildPayload(matches []model.Match, batched bool) webhookPayload {
	embeds := make([]embed, 0, len(matches))
	for _, m := range matches {
		embeds = append(embeds, formatEmbed(m))
	}
	p := webhookPayload{Embeds: embeds}
	if batched {
		p.Content = fmt.Sprintf("%d new keyword matches", len(matches))
	}
	return p
}

func formatEmbed(m model.Match) embed {
	fields := []embedField{
		{Name: "Keyword", Value: m.MatchedPhrase, Inline: true},
		{Name: "Subreddit", Value: "r/" + m.Subreddit, Inline: true},
		{Name: "Author", Value: "u/" + m.RedditAuthor, Inline: true},
	}
	if len(m.AlsoMatched) > 0 {
		fields = append(fields, embedField{
			Name:  "Also Matched",
			Value: strings.Join(m.AlsoMatched, ", "),
		})
	}
	return embed{
		Title:       fmt.Sprintf("Keyword Match in r/%s", m.Subreddit),
		Description: m.Snippet,
		URL:         m.RedditURL,
		Color:       embedColor,
		Timestamp:   m.DetectedAt.Format(time.RFC3339),
		Fields:      fields,
		Footer:      &embedFooter{Text: "Reddalert"},
	}
}

func chunkMatches(matches []model.Match, size int) [][]model.Match {
	var chunks [][]model.Match
	for len(matches) > size {
		chunks = append(chunks, matches[:size])
		matches = matches[size:]
	}
	if len(matches) > 0 {
		chunks = append(chunks, matches)
	}
	return chunks
}

func matchIDs(matches []model.Match) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return ids
}

// jitter spreads a delay by ±20%
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
