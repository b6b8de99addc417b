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

// Package reddit is the forum source: an OAuth2 app-only client over
// Reddit's JSON listings, rate limited to stay inside the API budget.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Hard cap on outbound calls per source account
const requestsPerMinute = 100

// Quarantine errors for unreachable subreddits
var (
	ErrSubredditNotFound = errors.New("subreddit not found")
	ErrSubredditPrivate  = errors.New("subreddit is private")
)

// RateLimitError carries the server's Retry-After hint
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// One fetched post or top-level comment
type Item struct {
	SourceID    string
	Fullname    string // Reddit thing id with kind prefix (t3_..., t1_...)
	Subreddit   string
	Author      string
	Title       string
	Body        string
	CreatedAt   time.Time
	Permalink   string
	IsMediaPost bool
	IsDeleted   bool
}

// Source yields new posts and their top-level comments
type Source interface {
	ListNewPosts(ctx context.Context, subreddit, sinceFullname string) ([]Item, error)
	ListTopLevelComments(ctx context.Context, postID string) ([]Item, error)
}

// Client implements Source over the Reddit OAuth2 API
type Client struct {
	client    *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
	appID     string
	appSecret string
	userAgent string
	baseURL   string
	tokenURL  string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates a Reddit client using app-only (client credentials)
// authentication.
func New(appID, appSecret, userAgent string, log *zap.Logger) *Client {
	return &Client{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter:   rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), requestsPerMinute),
		log:       log,
		appID:     appID,
		appSecret: appSecret,
		userAgent: userAgent,
		baseURL:   "https://oauth.reddit.com",
		tokenURL:  "https://www.reddit.com/api/v1/access_token",
	}
}

// ListNewPosts fetches posts newer than sinceFullname, newest first as
// Reddit returns them. Pass an empty sinceFullname for a cold start.
func (c *Client) ListNewPosts(ctx context.Context, subreddit, sinceFullname string) ([]Item, error) {
	params := url.Values{"limit": {"100"}}
	if sinceFullname != "" {
		params.Set("before", sinceFullname)
	}

	var listing listingResponse
	path := fmt.Sprintf("/r/%s/new.json?%s", subreddit, params.Encode())
	if err := c.getJSON(ctx, path, &listing); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		items = append(items, child.Data.toPost(subreddit))
	}
	return items, nil
}

// ListTopLevelComments fetches the top-level comments of a post.
// Deeper replies are not traversed.
func (c *Client) ListTopLevelComments(ctx context.Context, postID string) ([]Item, error) {
	var thread []listingResponse
	path := fmt.Sprintf("/comments/%s.json?depth=1&limit=100", postID)
	if err := c.getJSON(ctx, path, &thread); err != nil {
		return nil, err
	}
	// The thread payload is two listings: the post itself, then its
	// comment forest.
	if len(thread) < 2 {
		return nil, nil
	}

	var items []Item
	for _, child := range thread[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		items = append(items, child.Data.toComment())
	}
	return items, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("network error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrSubredditNotFound
	case http.StatusForbidden:
		return ErrSubredditPrivate
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp)}
	default:
		return fmt.Errorf("api returned status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode listing: %w", err)
	}
	return nil
}

// token returns a cached app-only token, fetching a fresh one when the
// cached token is within a minute of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.appID, c.appSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status: %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token endpoint returned an empty token")
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.log.Debug("Refreshed Reddit access token", zap.Time("expires", c.tokenExpiry))
	return c.accessToken, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

// ------------------------------------------------------------------
// Listing payloads
// ------------------------------------------------------------------

type listingResponse struct {
	Data struct {
		Children []struct {
			Kind string      `json:"kind"`
			Data thingData   `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type thingData struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Subreddit         string  `json:"subreddit"`
	Author            string  `json:"author"`
	Title             string  `json:"title"`
	Selftext          string  `json:"selftext"`
	Body              string  `json:"body"`
	CreatedUTC        float64 `json:"created_utc"`
	Permalink         string  `json:"permalink"`
	IsVideo           bool    `json:"is_video"`
	PostHint          string  `json:"post_hint"`
	RemovedByCategory string  `json:"removed_by_category"`
}

func (d thingData) toPost(subreddit string) Item {
	return Item{
		SourceID:    d.ID,
		Fullname:    d.Name,
		Subreddit:   strings.ToLower(firstNonEmpty(d.Subreddit, subreddit)),
		Author:      authorOrDeleted(d.Author),
		Title:       d.Title,
		Body:        d.Selftext,
		CreatedAt:   time.Unix(int64(d.CreatedUTC), 0).UTC(),
		Permalink:   "https://reddit.com" + d.Permalink,
		IsMediaPost: d.IsVideo || d.PostHint == "image" || strings.Contains(d.PostHint, "video"),
		IsDeleted:   d.RemovedByCategory != "",
	}
}

func (d thingData) toComment() Item {
	return Item{
		SourceID:  d.ID,
		Fullname:  d.Name,
		Subreddit: strings.ToLower(d.Subreddit),
		Author:    authorOrDeleted(d.Author),
		Body:      d.Body,
		CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
		Permalink: "https://reddit.com" + d.Permalink,
		IsDeleted: d.Body == "[removed]" || d.Body == "[deleted]",
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func authorOrDeleted(author string) string {
	if author == "" {
		return "[deleted]"
	}
	return author
}
