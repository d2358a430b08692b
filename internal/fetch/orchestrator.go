// Package fetch retrieves a single URL through an ordered cascade of tactics:
// the engine cascade against the original URL, then mirror domains, then an
// archived snapshot. Every failure is folded into a Result; Fetch never errors.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/clock/system"
	"github.com/JakeFAU/robustfetch/internal/metrics"
)

// Config controls an Orchestrator.
type Config struct {
	// CacheDir holds in-flight downloads before they are moved to the destination.
	CacheDir       string
	NotFoundPolicy NotFoundPolicy
	// Referer is sent on direct and mirror attempts.
	Referer string
	// ArchiveReferer is sent when downloading a snapshot.
	ArchiveReferer string
	// ArchiveTimeout bounds each snapshot download attempt; zero uses the request timeout.
	ArchiveTimeout time.Duration
}

// Deps are the collaborators of an Orchestrator. Engines and Gate are required.
type Deps struct {
	Engines  Engines
	Gate     Gate
	Mirrors  MirrorResolver
	Archive  ArchiveLookup
	Detector BlockDetector
	Clock    Clock
	Logger   *zap.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// Orchestrator drives the cascade. It is safe for concurrent use when its
// collaborators are; the engines' session state is shared by all fetches.
type Orchestrator struct {
	cfg      Config
	engines  []slot
	gate     Gate
	mirrors  MirrorResolver
	archive  ArchiveLookup
	detector BlockDetector
	clock    Clock
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.CacheDir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	switch cfg.NotFoundPolicy {
	case "":
		cfg.NotFoundPolicy = NotFoundSkipEngines
	case NotFoundSkipEngines, NotFoundAbandonURL:
	default:
		return nil, fmt.Errorf("unknown not-found policy %q", cfg.NotFoundPolicy)
	}
	if deps.Gate == nil {
		return nil, errors.New("rate gate is required")
	}
	engines := deps.Engines.ordered()
	if len(engines) == 0 {
		return nil, errors.New("at least one engine is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/JakeFAU/robustfetch/internal/fetch")
	}
	return &Orchestrator{
		cfg:      cfg,
		engines:  engines,
		gate:     deps.Gate,
		mirrors:  deps.Mirrors,
		archive:  deps.Archive,
		detector: deps.Detector,
		clock:    deps.Clock,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
	}, nil
}

// Fetch retrieves req.URL into req.OutputPath.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) Result {
	ctx, span := o.tracer.Start(ctx, "robustfetch.fetch", trace.WithAttributes(attribute.String("url.full", req.URL)))
	defer span.End()

	res := o.fetch(ctx, req)
	span.SetAttributes(
		attribute.String("robustfetch.status", string(res.Status)),
		attribute.Int("robustfetch.attempts", len(res.Attempts)),
	)
	if !res.Status.Succeeded() {
		span.SetStatus(codes.Error, string(res.Status))
	}
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, req Request) Result {
	metrics.IncInflight()
	defer metrics.DecInflight()

	if req.Timeout == 0 {
		req.Timeout = DefaultTimeout
	}
	r := newRun(req)
	logger := o.logger.With(zap.String("url", req.URL))

	if err := req.Validate(); err != nil {
		r.addURL(req.URL)
		r.note = "invalid request: " + err.Error()
		return o.finish(logger, r.failed(o.manualURL(req.URL)))
	}

	direct := req.URL
	if o.mirrors != nil {
		direct = o.mirrors.Normalize(req.URL)
	}
	if out, ok := o.cascade(ctx, r, PhaseDirect, direct, o.cfg.Referer, req.Timeout); ok {
		return o.finish(logger, r.succeeded(StatusSuccess, direct, out))
	}

	abandon := r.directNotFound && o.cfg.NotFoundPolicy == NotFoundAbandonURL
	if abandon {
		logger.Info("origin reports resource missing; abandoning URL")
	}

	if req.TryMirrors && o.mirrors != nil && !abandon {
		for _, candidate := range o.mirrors.Candidates(direct) {
			r.mirrorsTried = true
			logger.Info("trying mirror", zap.String("mirror_url", candidate))
			if out, ok := o.cascade(ctx, r, PhaseMirror, candidate, o.cfg.Referer, req.Timeout); ok {
				return o.finish(logger, r.succeeded(StatusSuccess, candidate, out))
			}
		}
	}

	if req.TryWayback && o.archive != nil && !abandon {
		r.archiveRan = true
		snapshot, found := o.archive.Lookup(ctx, req.URL)
		if found {
			r.waybackURL = snapshot
			timeout := o.cfg.ArchiveTimeout
			if timeout <= 0 {
				timeout = req.Timeout
			}
			if out, ok := o.cascade(ctx, r, PhaseArchive, snapshot, o.cfg.ArchiveReferer, timeout); ok {
				return o.finish(logger, r.succeeded(StatusWaybackSuccess, snapshot, out))
			}
		}
	}

	return o.finish(logger, r.failed(o.manualURL(req.URL)))
}

// cascade runs the engines in priority order against one URL and stops at the
// first success. A not-found outcome ends the cascade for that URL.
func (o *Orchestrator) cascade(
	ctx context.Context,
	r *run,
	phase Phase,
	target string,
	referer string,
	timeout time.Duration,
) (Outcome, bool) {
	r.addURL(target)
	for _, s := range o.engines {
		if !s.engine.Available() {
			o.logger.Debug("engine unavailable, skipping", zap.String("tactic", string(s.tactic)))
			continue
		}
		out := o.attempt(ctx, r, s, phase, target, referer, timeout)
		if out.OK() {
			return out, true
		}
		if out.Failure == FailureNotFound {
			break
		}
	}
	return Outcome{}, false
}

// attempt passes the rate gate, runs one engine into a scratch file and, on
// success, moves the file to the destination. The attempt is always logged.
func (o *Orchestrator) attempt(
	ctx context.Context,
	r *run,
	s slot,
	phase Phase,
	target string,
	referer string,
	timeout time.Duration,
) (out Outcome) {
	ctx, span := o.tracer.Start(ctx, "robustfetch.attempt", trace.WithAttributes(
		attribute.String("robustfetch.tactic", string(s.tactic)),
		attribute.String("robustfetch.phase", string(phase)),
		attribute.String("url.full", target),
	))
	defer func() {
		if !out.OK() {
			span.SetAttributes(attribute.String("robustfetch.failure", string(out.Failure)))
			span.SetStatus(codes.Error, out.Diagnostic)
		}
		span.End()
	}()

	if err := o.gate.Wait(ctx, target); err != nil {
		out = Failed(contextFailure(err), err.Error())
		o.record(r, Attempt{Tactic: s.tactic, Phase: phase, URL: target, StartedAt: o.clock.Now(), Outcome: out})
		return out
	}
	start := o.clock.Now()

	scratch, err := o.scratchFile()
	if err != nil {
		out = Failed(FailureOther, err.Error())
	} else {
		out = s.engine.Download(ctx, Download{URL: target, Path: scratch, Referer: referer, Timeout: timeout})
		if out.OK() && o.detector != nil {
			if blocked, reason := o.detector.Blocked(out.ContentType, readHead(scratch)); blocked {
				code := out.StatusCode
				out = Failed(FailureForbidden, reason)
				out.StatusCode = code
			}
		}
		if out.OK() {
			if err := promote(scratch, r.req.OutputPath); err != nil {
				out = Failed(FailureOther, fmt.Sprintf("save download: %v", err))
			}
		}
		if !out.OK() {
			_ = os.Remove(scratch)
		}
	}

	o.record(r, Attempt{
		Tactic:    s.tactic,
		Phase:     phase,
		URL:       target,
		StartedAt: start,
		Duration:  o.clock.Now().Sub(start),
		Outcome:   out,
	})
	return out
}

func (o *Orchestrator) record(r *run, a Attempt) {
	r.record(a)
	label := "success"
	if !a.Outcome.OK() {
		label = string(a.Outcome.Failure)
	}
	metrics.ObserveAttempt(string(a.Tactic), string(a.Phase), label, a.URL, a.Outcome.Bytes, a.Duration)

	fields := []zap.Field{
		zap.String("tactic", string(a.Tactic)),
		zap.String("phase", string(a.Phase)),
		zap.String("target", a.URL),
		zap.Duration("duration", a.Duration),
	}
	if a.Outcome.OK() {
		o.logger.Info("attempt succeeded", append(fields,
			zap.String("content_type", a.Outcome.ContentType),
			zap.Int64("bytes", a.Outcome.Bytes),
		)...)
		return
	}
	o.logger.Info("attempt failed", append(fields,
		zap.String("failure", string(a.Outcome.Failure)),
		zap.String("diagnostic", a.Outcome.Diagnostic),
	)...)
}

func contextFailure(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureOther
}

func (o *Orchestrator) manualURL(rawURL string) string {
	if o.archive == nil {
		return ""
	}
	return o.archive.ManualURL(rawURL)
}

func (o *Orchestrator) finish(logger *zap.Logger, res Result) Result {
	metrics.ObserveResult(string(res.Status))
	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("attempts", len(res.Attempts)),
		zap.Strings("attempted_urls", res.AttemptedURLs),
	}
	if res.Status.Succeeded() {
		logger.Info("fetch succeeded", append(fields,
			zap.String("resolved_url", res.ResolvedURL),
			zap.String("local_path", res.LocalPath),
			zap.String("content_type", res.ContentType),
		)...)
		return res
	}
	logger.Warn("fetch failed", append(fields,
		zap.String("wayback_url", res.WaybackURL),
		zap.String("error", res.ErrorMsg),
	)...)
	return res
}
