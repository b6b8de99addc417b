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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Discord webhook URLs are the only accepted dispatch targets unless
// the operator overrides the pattern. Doubles as an SSRF guard.
const defaultWebhookPattern = `^https://discord(?:app)?\.com/api/webhooks/\d+/[\w-]+$`

// Hold worker configuration
type Config struct {
	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string

	DatabasePath        string
	PollIntervalMinutes int // global default; tenants override per account
	RetentionDays       int

	WebhookURLPattern *regexp.Regexp
	FallbackEmailFrom string
}

// Populate Config struct from environment variables
func LoadFromEnv() (*Config, error) {
	clientID := os.Getenv("REDDIT_CLIENT_ID")
	if clientID == "" {
		return nil, fmt.Errorf("REDDIT_CLIENT_ID is required")
	}

	clientSecret := os.Getenv("REDDIT_CLIENT_SECRET")
	if clientSecret == "" {
		return nil, fmt.Errorf("REDDIT_CLIENT_SECRET is required")
	}

	userAgent := os.Getenv("REDDIT_USER_AGENT")
	if userAgent == "" {
		userAgent = "reddalert/1.0"
	}

	// Optional configurations
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "reddalert.db"
	}

	pollInterval, err := intEnv("POLL_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	if pollInterval < 5 || pollInterval > 1440 {
		return nil, fmt.Errorf("POLL_INTERVAL_MINUTES must be between 5 and 1440, got %d", pollInterval)
	}

	retentionDays, err := intEnv("RETENTION_DAYS", 90)
	if err != nil {
		return nil, err
	}
	if retentionDays < 1 {
		return nil, fmt.Errorf("RETENTION_DAYS must be positive, got %d", retentionDays)
	}

	patternStr := os.Getenv("WEBHOOK_URL_PATTERN")
	if patternStr == "" {
		patternStr = defaultWebhookPattern
	}
	pattern, err := regexp.Compile(patternStr)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_URL_PATTERN: %w", err)
	}

	return &Config{
		RedditClientID:      clientID,
		RedditClientSecret:  clientSecret,
		RedditUserAgent:     userAgent,
		DatabasePath:        dbPath,
		PollIntervalMinutes: pollInterval,
		RetentionDays:       retentionDays,
		WebhookURLPattern:   pattern,
		FallbackEmailFrom:   os.Getenv("FALLBACK_EMAIL_FROM"),
	}, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
