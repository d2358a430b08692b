// Package headless renders HTML to PDF with a headless Chromium driven by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/convert"
)

// browserNames are probed on PATH when no explicit executable is configured.
var browserNames = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

// Config controls the Chromium converter.
type Config struct {
	// ExecPath pins the browser binary; empty probes browserNames.
	ExecPath string
	// MaxParallel caps concurrent browser instances; zero means unlimited.
	MaxParallel int
	// RenderDelay lets scripts settle before printing.
	RenderDelay time.Duration
}

// Converter prints pages through Chromium's DevTools protocol.
type Converter struct {
	cfg      Config
	limiter  chan struct{}
	lookPath func(string) (string, error)
	logger   *zap.Logger
}

// New validates cfg and builds a Converter.
func New(cfg Config, logger *zap.Logger) (*Converter, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.RenderDelay < 0 {
		return nil, fmt.Errorf("render delay must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Converter{cfg: cfg, limiter: limiter, lookPath: exec.LookPath, logger: logger}, nil
}

// Name implements convert.Converter.
func (c *Converter) Name() string { return convert.EngineChromium }

// Available reports whether a Chromium executable can be located.
func (c *Converter) Available() bool {
	_, err := c.browser()
	return err == nil
}

// Convert loads htmlPath from disk and prints it to pdfPath.
func (c *Converter) Convert(ctx context.Context, htmlPath, pdfPath string) error {
	bin, err := c.browser()
	if err != nil {
		return err
	}
	target, err := fileURL(htmlPath)
	if err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(bin),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	actions := []chromedp.Action{
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if c.cfg.RenderDelay > 0 {
		actions = append(actions, chromedp.Sleep(c.cfg.RenderDelay))
	}
	actions = append(actions, printAction(&pdf))
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	if len(pdf) == 0 {
		return errors.New("chromium returned an empty pdf")
	}
	if err := os.MkdirAll(filepath.Dir(pdfPath), 0o750); err != nil {
		return fmt.Errorf("create pdf directory: %w", err)
	}
	if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	c.logger.Debug("chromium printed pdf", zap.String("pdf", pdfPath), zap.Int("bytes", len(pdf)))
	return nil
}

func printAction(out *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		*out = buf
		return nil
	})
}

func (c *Converter) browser() (string, error) {
	if c.cfg.ExecPath != "" {
		path, err := c.lookPath(c.cfg.ExecPath)
		if err != nil {
			return "", fmt.Errorf("chromium not found at %s: %w", c.cfg.ExecPath, err)
		}
		return path, nil
	}
	for _, name := range browserNames {
		if path, err := c.lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("chromium not installed")
}

func fileURL(htmlPath string) (string, error) {
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", fmt.Errorf("resolve html path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func (c *Converter) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (c *Converter) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
