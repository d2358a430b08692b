// Package fetcher holds what the transport engines share: the browser-like
// request profile and the plain HTTP response shape.
package fetcher

import (
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/JakeFAU/robustfetch/internal/fetch"
)

// DefaultReferer is sent with direct and mirror downloads.
const DefaultReferer = "https://www.google.com/"

// ArchiveReferer is sent when downloading archived snapshots.
const ArchiveReferer = "https://archive.org/"

// DefaultUserAgents is the pool a user agent is drawn from for every attempt.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
}

// Accept is the Accept header value shared by every engine.
const Accept = "text/html,application/pdf,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// Response is a fully read HTTP response.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Profile produces browser-like request headers with a rotating user agent.
type Profile struct {
	mu     sync.Mutex
	agents []string
	pick   func(n int) int
}

// NewProfile returns a Profile drawing from agents, or DefaultUserAgents when empty.
func NewProfile(agents []string) *Profile {
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	return &Profile{
		agents: append([]string(nil), agents...),
		pick:   rand.IntN,
	}
}

// UserAgent returns a user agent chosen at random from the pool.
func (p *Profile) UserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[p.pick(len(p.agents))]
}

// Headers returns the full header set for one request. Accept-Encoding is left
// to the HTTP transport, which negotiates gzip and decompresses transparently.
func (p *Profile) Headers(referer string) http.Header {
	if referer == "" {
		referer = DefaultReferer
	}
	h := http.Header{}
	h.Set("User-Agent", p.UserAgent())
	h.Set("Accept", Accept)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Cache-Control", "max-age=0")
	h.Set("Referer", referer)
	return h
}

// ClassifyStatus maps an HTTP status code onto the failure taxonomy.
// 2xx codes map to fetch.FailureNone.
func ClassifyStatus(code int) fetch.FailureKind {
	switch {
	case code >= 200 && code < 300:
		return fetch.FailureNone
	case code == http.StatusForbidden,
		code == http.StatusUnauthorized,
		code == http.StatusProxyAuthRequired,
		code == http.StatusTooManyRequests,
		code == http.StatusUnavailableForLegalReasons:
		return fetch.FailureForbidden
	case code == http.StatusNotFound, code == http.StatusGone:
		return fetch.FailureNotFound
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout, code == 524:
		return fetch.FailureTimeout
	default:
		return fetch.FailureOther
	}
}
