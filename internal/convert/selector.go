// Package convert turns a local HTML file into a PDF using whichever backend
// is installed.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/metrics"
)

// EngineAuto selects the first available converter in Order.
const EngineAuto = "auto"

// DefaultTimeout bounds a single conversion.
const DefaultTimeout = 120 * time.Second

// Backend names in preference order.
const (
	EngineWkhtmltopdf = "wkhtmltopdf"
	EngineChromium    = "chromium"
	EngineWeasyprint  = "weasyprint"
)

// Order is the fixed preference used by EngineAuto.
var Order = []string{EngineWkhtmltopdf, EngineChromium, EngineWeasyprint}

var (
	// ErrUnknownEngine is returned for an engine name outside Order.
	ErrUnknownEngine = errors.New("unknown conversion engine")
	// ErrNoConverter is returned when no candidate converter is installed.
	ErrNoConverter = errors.New("no HTML to PDF converter available")
)

// Converter is one HTML→PDF backend.
type Converter interface {
	Name() string
	// Available is probed at call time, immediately before Convert.
	Available() bool
	Convert(ctx context.Context, htmlPath, pdfPath string) error
}

// Selector dispatches conversions to registered converters.
type Selector struct {
	converters map[string]Converter
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSelector registers converters by name. Converters whose name is not in
// Order are ignored.
func NewSelector(timeout time.Duration, logger *zap.Logger, converters ...Converter) *Selector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Converter, len(converters))
	for _, c := range converters {
		if c == nil || !known(c.Name()) {
			continue
		}
		byName[c.Name()] = c
	}
	return &Selector{converters: byName, timeout: timeout, logger: logger}
}

// Convert reports whether htmlPath was converted into pdfPath.
func (s *Selector) Convert(ctx context.Context, htmlPath, pdfPath, engine string) bool {
	_, err := s.Run(ctx, htmlPath, pdfPath, engine)
	return err == nil
}

// Run converts htmlPath into pdfPath and returns the engine that produced it.
// With EngineAuto every available converter is tried in Order until one succeeds.
func (s *Selector) Run(ctx context.Context, htmlPath, pdfPath, engine string) (string, error) {
	candidates, err := s.candidates(engine)
	if err != nil {
		s.logger.Warn("conversion rejected", zap.String("engine", engine), zap.Error(err))
		return "", err
	}
	if _, err := os.Stat(htmlPath); err != nil {
		return "", fmt.Errorf("html input: %w", err)
	}

	var errs []error
	tried := 0
	for _, c := range candidates {
		if !c.Available() {
			s.logger.Debug("converter unavailable", zap.String("engine", c.Name()))
			continue
		}
		tried++
		if err := s.invoke(ctx, c, htmlPath, pdfPath); err != nil {
			metrics.ObserveConversion(c.Name(), false)
			s.logger.Warn("conversion failed", zap.String("engine", c.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		metrics.ObserveConversion(c.Name(), true)
		s.logger.Info("converted html to pdf",
			zap.String("engine", c.Name()),
			zap.String("html", htmlPath),
			zap.String("pdf", pdfPath),
		)
		return c.Name(), nil
	}
	if tried == 0 {
		s.logger.Warn("no html to pdf engine available", zap.String("engine", engine))
		return "", ErrNoConverter
	}
	return "", errors.Join(errs...)
}

// Available lists the installed converters in preference order.
func (s *Selector) Available() []string {
	var names []string
	for _, name := range Order {
		if c, ok := s.converters[name]; ok && c.Available() {
			names = append(names, name)
		}
	}
	return names
}

func (s *Selector) candidates(engine string) ([]Converter, error) {
	if engine == "" || engine == EngineAuto {
		out := make([]Converter, 0, len(Order))
		for _, name := range Order {
			if c, ok := s.converters[name]; ok {
				out = append(out, c)
			}
		}
		return out, nil
	}
	if !known(engine) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	c, ok := s.converters[engine]
	if !ok {
		return nil, nil
	}
	return []Converter{c}, nil
}

func (s *Selector) invoke(ctx context.Context, c Converter, htmlPath, pdfPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := c.Convert(ctx, htmlPath, pdfPath); err != nil {
		return err
	}
	info, err := os.Stat(pdfPath)
	if err != nil {
		return fmt.Errorf("no pdf produced: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("empty pdf produced")
	}
	return nil
}

func known(name string) bool {
	return slices.Contains(Order, name)
}
