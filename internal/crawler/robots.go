package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const robotsTxtPath = "/robots.txt"

// RobotsChecker consults and caches robots.txt per host: the first check of
// a host fetches its robots.txt and later checks of that host reuse the
// cached entry. The crawler Pipeline holds a single checker for all
// executions, so the cache is shared across executions and is not reset
// when a new execution starts. Adapted from
// the pack's fetcher.RobotsChecker: missing or errored robots.txt allows
// everything, matching standard crawler practice.
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	mu        sync.Mutex
	cache     map[string]*robotsEntry
}

type robotsEntry struct {
	data     *robotstxt.RobotsData
	allowAll bool
}

func NewRobotsChecker(client *http.Client, userAgent string) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		cache:     make(map[string]*robotsEntry),
	}
}

// Allowed reports whether rawURL may be fetched under its host's robots.txt,
// fetching and caching the policy on first use for that host.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("robots: parse %s: %w", rawURL, err)
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return false, fmt.Errorf("robots: no host in %s", rawURL)
	}

	entry, err := r.entryFor(ctx, host, u.Scheme)
	if err != nil {
		return false, err
	}
	if entry.allowAll {
		return true, nil
	}
	return entry.data.TestAgent(u.Path, r.userAgent), nil
}

func (r *RobotsChecker) entryFor(ctx context.Context, host, scheme string) (*robotsEntry, error) {
	r.mu.Lock()
	if e, ok := r.cache[host]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	entry := r.fetch(ctx, host, scheme)
	r.mu.Lock()
	r.cache[host] = entry
	r.mu.Unlock()
	return entry, nil
}

func (r *RobotsChecker) fetch(ctx context.Context, host, scheme string) *robotsEntry {
	if scheme == "" {
		scheme = "https"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+host+robotsTxtPath, nil)
	if err != nil {
		return &robotsEntry{allowAll: true}
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return &robotsEntry{allowAll: true}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &robotsEntry{allowAll: true}
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return &robotsEntry{allowAll: true}
	}
	return &robotsEntry{data: data}
}
