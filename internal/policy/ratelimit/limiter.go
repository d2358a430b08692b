// Package ratelimit implements the per-domain rate gate consulted before every transport attempt.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/robustfetch/internal/metrics"
)

// DefaultDelay is the minimum interval between attempts against one domain.
const DefaultDelay = 1500 * time.Millisecond

// Config holds rate gate configuration.
type Config struct {
	// Delay is the minimum interval between two attempts against the same
	// registrable domain. Zero disables waiting.
	Delay time.Duration
}

// Limiter enforces a minimum interval per registrable domain.
//
// Each domain owns a token bucket of size one refilled every Delay, so the
// first attempt passes immediately and every later attempt waits until Delay
// has elapsed since the previous one passed the gate.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	logger   *zap.Logger
}

// New creates a new Limiter.
func New(cfg Config, logger *zap.Logger) (*Limiter, error) {
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("rate limit delay must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	every := rate.Inf
	if cfg.Delay > 0 {
		every = rate.Every(cfg.Delay)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		logger:   logger,
	}, nil
}

// Wait blocks until the URL's domain may be contacted again, then records the attempt.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := DomainKey(rawURL)

	l.mu.Lock()
	limiter, exists := l.limiters[domain]
	if !exists {
		limiter = rate.NewLimiter(l.every, 1)
		l.limiters[domain] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
		l.logger.Debug("rate gate delayed attempt",
			zap.String("domain", domain),
			zap.Duration("waited", waited),
		)
	}
	return nil
}

// Domains returns the number of domains the gate has seen.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// DomainKey returns the registrable domain of a URL (eTLD+1), falling back to
// the lower-cased host name for IPs, single-label hosts and unparsable input.
func DomainKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if net.ParseIP(host) != nil {
		return host
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}
