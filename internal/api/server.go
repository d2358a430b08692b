package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/metrics"
	"github.com/JakeFAU/robustfetch/internal/pipeline"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

// Submitter queues a job for background processing.
type Submitter interface {
	Submit(ctx context.Context, job pipeline.Job) (storage.Record, error)
}

// Runner processes a job inline.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (storage.Record, error)
}

// Converter renders HTML to PDF.
type Converter interface {
	Run(ctx context.Context, htmlPath, pdfPath, engine string) (string, error)
}

// MirrorTable is the editable mirror registry.
type MirrorTable interface {
	Snapshot() map[string][]string
	Set(domain string, mirrors []string) error
	Delete(domain string) bool
}

// Config controls request handling.
type Config struct {
	// OutputDir confines every path the API reads or writes.
	OutputDir string
	// TryMirrors and TryWayback are the defaults for fetch requests that omit them.
	TryMirrors bool
	TryWayback bool
	// FetchTimeout is the per-attempt default.
	FetchTimeout time.Duration
	// RequestTimeout bounds non-fetch handlers; zero disables it.
	RequestTimeout time.Duration
}

// Deps are the collaborators of a Server. All are required.
type Deps struct {
	Submitter Submitter
	Runner    Runner
	Records   storage.RecordStore
	Converter Converter
	Mirrors   MirrorTable
}

// Server wires HTTP handlers to the fetch pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	base   string
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) (*Server, error) {
	if deps.Submitter == nil || deps.Runner == nil || deps.Records == nil ||
		deps.Converter == nil || deps.Mirrors == nil {
		return nil, errors.New("api server requires submitter, runner, records, converter and mirrors")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	base, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, base: base, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(otelhttp.NewMiddleware("robustfetch.api"))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/fetch", s.submitFetch)
		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			r.Get("/fetches/{id}", s.getFetch)
			r.Post("/convert", s.convert)
			r.Route("/mirrors", func(r chi.Router) {
				r.Get("/", s.listMirrors)
				r.Put("/{domain}", s.setMirrors)
				r.Delete("/{domain}", s.deleteMirrors)
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// confine resolves name against the output directory and rejects anything
// that lands outside it.
func (s *Server) confine(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("path is required")
	}
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.base, p)
	}
	p = filepath.Clean(p)
	if !within(s.base, p) || !within(resolve(s.base), resolve(p)) {
		return "", fmt.Errorf("path %q is outside the output directory", name)
	}
	return p, nil
}

func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolve follows symlinks in the longest existing prefix of p and appends
// the components that do not exist yet.
func resolve(p string) string {
	var rest []string
	cur := p
	for {
		if real, err := filepath.EvalSymlinks(cur); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				real = filepath.Join(real, rest[i])
			}
			return real
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
