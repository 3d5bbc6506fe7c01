// Package rss polls configured RSS/Atom sources per group, dedupes
// articles by canonical-URL hash, and publishes fresh items to the bus.
package rss

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mmcdole/gofeed"

	"chainfeed"
	"chainfeed/internal/check"
	"chainfeed/internal/truth"
)

const (
	// MaxAge is how far back articles are accepted.
	MaxAge = 3 * 24 * time.Hour

	fetchTimeout        = 30 * time.Second
	minSleep            = 5 * time.Second
	defaultPollInterval = 300 * time.Second
)

// Item is the bus payload for one ingested article.
type Item struct {
	Group     string `json:"group"`
	Source    string `json:"source"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Published string `json:"published"`
	Timestamp string `json:"timestamp"`
}

// Metrics is the per-group poll summary written after each pass.
type Metrics struct {
	Status         string `json:"status"` // ok or degraded
	NewItems       int    `json:"new_items"`
	Errors         int    `json:"errors"`
	SourcesChecked int    `json:"sources_checked"`
	LastPoll       string `json:"last_poll"`
}

// Bus is the slice of the bus client the ingestor consumes.
type Bus interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Fetcher retrieves and parses one feed URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*gofeed.Feed, error)
}

type gofeedFetcher struct {
	parser *gofeed.Parser
}

// NewFetcher returns the production gofeed-backed Fetcher.
func NewFetcher() Fetcher {
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: fetchTimeout}
	return &gofeedFetcher{parser: p}
}

func (f *gofeedFetcher) Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	return f.parser.ParseURLWithContext(feedURL, ctx)
}

// Worker polls one RSS group. One Worker per enabled group.
type Worker struct {
	bus     Bus
	clock   chainfeed.Clock
	fetcher Fetcher
	group   string
	cfg     truth.RSSGroup
}

// NewWorker creates a Worker for the named group.
func NewWorker(b Bus, clock chainfeed.Clock, fetcher Fetcher, group string, cfg truth.RSSGroup) *Worker {
	check.Assert(b != nil, "rss.NewWorker: bus must not be nil")
	check.Assert(fetcher != nil, "rss.NewWorker: fetcher must not be nil")
	return &Worker{bus: b, clock: clock, fetcher: fetcher, group: group, cfg: cfg}
}

// Group returns the worker's group name.
func (w *Worker) Group() string { return w.group }

// Run executes the poll loop until ctx is cancelled. The first pass runs
// immediately.
func (w *Worker) Run(ctx context.Context) {
	interval := w.pollInterval()
	for {
		start := w.clock.Now()
		w.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		// Slow passes must not starve the loop of breathing room.
		sleep := interval - w.clock.Now().Sub(start)
		if sleep < minSleep {
			sleep = minSleep
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Poll runs one pass over every source and writes the group metrics.
// Source failures are isolated: one broken feed degrades the metrics but
// never stops the others.
func (w *Worker) Poll(ctx context.Context) Metrics {
	m := Metrics{Status: "ok"}
	for _, src := range w.cfg.Sources {
		if ctx.Err() != nil {
			break
		}
		m.SourcesChecked++
		n, err := w.pollSource(ctx, src)
		m.NewItems += n
		if err != nil {
			m.Errors++
			slog.Warn("rss source failed", "group", w.group, "source", src.Name, "err", err)
		}
	}
	if m.Errors > 0 {
		m.Status = "degraded"
	}
	m.LastPoll = w.now()

	if err := w.bus.SetJSON(ctx, chainfeed.KeyRSSMetrics(w.group), m, -1); err != nil {
		slog.Warn("rss metrics write failed", "group", w.group, "err", err)
	}
	return m
}

func (w *Worker) pollSource(ctx context.Context, src truth.RSSSource) (int, error) {
	feed, err := w.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	written := 0
	cutoff := w.clock.Now().Add(-MaxAge)
	for _, entry := range feed.Items {
		published := entryTime(entry)
		if published == nil || published.Before(cutoff) {
			continue
		}
		canonical := CanonicalURL(entry.Link, w.cfg.IsGoogleAlerts)
		if canonical == "" {
			continue
		}
		item := Item{
			Group:     w.group,
			Source:    src.Name,
			Title:     entry.Title,
			URL:       canonical,
			Published: published.UTC().Format(time.RFC3339),
			Timestamp: w.now(),
		}
		key := chainfeed.KeyRSSItem(w.group, UID(canonical))
		if err := w.bus.SetJSON(ctx, key, item, 2*w.pollInterval()); err != nil {
			return written, fmt.Errorf("write %s: %w", key, err)
		}
		written++
	}
	return written, nil
}

func (w *Worker) pollInterval() time.Duration {
	if w.cfg.PollIntervalSec > 0 {
		return time.Duration(w.cfg.PollIntervalSec) * time.Second
	}
	return defaultPollInterval
}

func (w *Worker) now() string {
	return w.clock.Now().UTC().Format(time.RFC3339)
}

func entryTime(entry *gofeed.Item) *time.Time {
	if entry.PublishedParsed != nil {
		return entry.PublishedParsed
	}
	return entry.UpdatedParsed
}

// UID is the stable article identity: SHA-256 of the canonical URL.
// The same URL yields the same UID regardless of source or group.
func UID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// CanonicalURL extracts the article's real URL. Google Alerts wraps the
// target in a redirect carrying it in the url (or q) query parameter.
func CanonicalURL(raw string, googleAlerts bool) string {
	if !googleAlerts {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if target := q.Get("url"); target != "" {
		return target
	}
	if target := q.Get("q"); target != "" {
		return target
	}
	return raw
}
