// Package wayback resolves archived snapshots through the Internet Archive availability API.
package wayback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/fetcher"
	"github.com/JakeFAU/robustfetch/internal/metrics"
)

// DefaultEndpoint is the availability API.
const DefaultEndpoint = "https://archive.org/wayback/available"

// searchPrefix builds the human-facing snapshot listing for a URL.
const searchPrefix = "https://web.archive.org/web/*/"

// HTTPGetter issues a GET and returns the response whatever its status.
type HTTPGetter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*fetcher.Response, error)
}

// Gate paces outbound requests per domain.
type Gate interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the availability lookup.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client looks up snapshots.
type Client struct {
	cfg    Config
	http   HTTPGetter
	gate   Gate
	logger *zap.Logger
}

type availability struct {
	ArchivedSnapshots struct {
		Closest *snapshot `json:"closest"`
	} `json:"archived_snapshots"`
}

type snapshot struct {
	Available bool   `json:"available"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// New builds a Client.
func New(cfg Config, getter HTTPGetter, logger *zap.Logger) (*Client, error) {
	if getter == nil {
		return nil, fmt.Errorf("wayback client requires an HTTP getter")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid wayback endpoint: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: getter, logger: logger}, nil
}

// Lookup returns the closest available snapshot of rawURL. Lookup failures
// are logged and reported as a miss.
func (c *Client) Lookup(ctx context.Context, rawURL string) (string, bool) {
	snap, err := c.closest(ctx, rawURL)
	switch {
	case err != nil:
		metrics.ObserveArchiveLookup("error")
		c.logger.Warn("wayback availability lookup failed", zap.String("url", rawURL), zap.Error(err))
		return "", false
	case snap == nil || !snap.Available || snap.URL == "":
		metrics.ObserveArchiveLookup("miss")
		c.logger.Info("no wayback snapshot", zap.String("url", rawURL))
		return "", false
	}
	metrics.ObserveArchiveLookup("hit")
	snapshotURL := secure(snap.URL)
	c.logger.Info("wayback snapshot found",
		zap.String("url", rawURL),
		zap.String("snapshot", snapshotURL),
		zap.String("timestamp", snap.Timestamp),
	)
	return snapshotURL, true
}

// UseGate routes availability queries through g so they share the per-domain
// pacing applied to downloads.
func (c *Client) UseGate(g Gate) {
	c.gate = g
}

// ManualURL returns the snapshot listing page a person can browse for rawURL.
func (c *Client) ManualURL(rawURL string) string {
	return searchPrefix + rawURL
}

func (c *Client) closest(ctx context.Context, rawURL string) (*snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.Endpoint + "?" + url.Values{"url": {rawURL}}.Encode()
	if c.gate != nil {
		if err := c.gate.Wait(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("rate gate: %w", err)
		}
	}
	resp, err := c.http.Get(ctx, endpoint, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("availability api returned HTTP %d", resp.StatusCode)
	}
	var payload availability
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode availability response: %w", err)
	}
	return payload.ArchivedSnapshots.Closest, nil
}

func secure(snapshotURL string) string {
	if rest, ok := strings.CutPrefix(snapshotURL, "http://web.archive.org/"); ok {
		return "https://web.archive.org/" + rest
	}
	return snapshotURL
}
