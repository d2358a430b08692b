// Package collyfetcher implements the session engine on top of gocolly.
//
// One Engine owns one collector backend: the cookie jar and the keep-alive
// connection pool are shared by every attempt issued through it.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/fetcher"
)

// Config controls collector behavior.
type Config struct {
	// Timeout is used when a download does not carry its own.
	Timeout time.Duration
	// MaxBodySize caps the response body in bytes; zero means unlimited.
	MaxBodySize int
	UserAgents  []string
}

// Engine is the session tactic: a cookie-keeping HTTP client with a rotating user agent.
type Engine struct {
	cfg           Config
	profile       *fetcher.Profile
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = fetch.DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		// One byte over the cap tells a truncated body from one that fits exactly.
		c.MaxBodySize = cfg.MaxBodySize + 1
	} else {
		c.MaxBodySize = 0
	}
	c.WithTransport(newHTTPTransport())
	// The backend client is shared by every clone; attempts are bounded by
	// their own context instead of colly's fixed client timeout.
	c.SetRequestTimeout(0)

	return &Engine{
		cfg:           cfg,
		profile:       fetcher.NewProfile(cfg.UserAgents),
		baseCollector: c,
		logger:        logger,
	}
}

// Available always reports true; the session engine has no host dependency.
func (e *Engine) Available() bool {
	return true
}

// Download fetches d.URL into d.Path.
func (e *Engine) Download(ctx context.Context, d fetch.Download) fetch.Outcome {
	resp, err := e.get(ctx, d.URL, e.profile.Headers(d.Referer), d.Timeout)
	if err != nil {
		return classifyError(err)
	}
	if kind := fetcher.ClassifyStatus(resp.StatusCode); kind != fetch.FailureNone {
		out := fetch.Failed(kind, fmt.Sprintf("HTTP %d", resp.StatusCode))
		out.StatusCode = resp.StatusCode
		return out
	}
	if e.oversized(resp) {
		out := fetch.Failed(fetch.FailureOther,
			fmt.Sprintf("body exceeds max_body_bytes (%d)", e.cfg.MaxBodySize))
		out.StatusCode = resp.StatusCode
		return out
	}
	if len(resp.Body) == 0 {
		out := fetch.Failed(fetch.FailureOther, "empty response body")
		out.StatusCode = resp.StatusCode
		return out
	}
	if err := os.WriteFile(d.Path, resp.Body, 0o600); err != nil {
		return fetch.Failed(fetch.FailureOther, fmt.Sprintf("write body: %v", err))
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}
	out := fetch.Success(contentType, int64(len(resp.Body)))
	out.StatusCode = resp.StatusCode
	return out
}

func (e *Engine) oversized(resp *fetcher.Response) bool {
	limit := e.cfg.MaxBodySize
	if limit <= 0 {
		return false
	}
	if len(resp.Body) > limit {
		return true
	}
	if resp.Header == nil {
		return false
	}
	declared, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return err == nil && declared > int64(limit)
}

// Get issues a GET through the shared session and returns the full response,
// whatever its status code. Errors are transport failures only.
func (e *Engine) Get(ctx context.Context, rawURL string, header http.Header) (*fetcher.Response, error) {
	h := e.profile.Headers("")
	for k, values := range header {
		h[k] = append([]string(nil), values...)
	}
	return e.get(ctx, rawURL, h, 0)
}

func (e *Engine) get(
	ctx context.Context,
	rawURL string,
	header http.Header,
	timeout time.Duration,
) (*fetcher.Response, error) {
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result   *fetcher.Response
		fetchErr error
	)
	collector := e.baseCollector.Clone()
	collector.Context = attemptCtx
	e.configureCollectorHooks(collector, header, &result, &fetchErr)

	if err := runCollector(attemptCtx, collector, rawURL, &fetchErr); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("colly returned no response for %s", rawURL)
	}
	e.logger.Debug("session response",
		zap.String("url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
	)
	return result, nil
}

func (e *Engine) configureCollectorHooks(
	hooks collectorHooks,
	header http.Header,
	result **fetcher.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range header {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		resp := &fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			resp.Header = r.Headers.Clone()
			resp.ContentType = r.Headers.Get("Content-Type")
		}
		*result = resp
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func classifyError(err error) fetch.Outcome {
	diag := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.Failed(fetch.FailureTimeout, diag)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fetch.Failed(fetch.FailureTimeout, diag)
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return fetch.Failed(fetch.FailureNetwork, diag)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return fetch.Failed(fetch.FailureNetwork, diag)
	}
	return fetch.Failed(fetch.FailureOther, diag)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
