// Package app builds the long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/api"
	"github.com/JakeFAU/robustfetch/internal/archive/wayback"
	"github.com/JakeFAU/robustfetch/internal/clock/system"
	"github.com/JakeFAU/robustfetch/internal/config"
	"github.com/JakeFAU/robustfetch/internal/convert"
	"github.com/JakeFAU/robustfetch/internal/convert/cli"
	"github.com/JakeFAU/robustfetch/internal/convert/headless"
	"github.com/JakeFAU/robustfetch/internal/detect"
	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/robustfetch/internal/fetcher/colly"
	"github.com/JakeFAU/robustfetch/internal/fetcher/command"
	"github.com/JakeFAU/robustfetch/internal/hash/sha256"
	"github.com/JakeFAU/robustfetch/internal/id/uuid"
	"github.com/JakeFAU/robustfetch/internal/metrics"
	"github.com/JakeFAU/robustfetch/internal/mirror"
	"github.com/JakeFAU/robustfetch/internal/pipeline"
	"github.com/JakeFAU/robustfetch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/robustfetch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/robustfetch/internal/publisher/pubsub"
	blobstore "github.com/JakeFAU/robustfetch/internal/storage"
	gcsstorage "github.com/JakeFAU/robustfetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/robustfetch/internal/storage/local"
	memorystorage "github.com/JakeFAU/robustfetch/internal/storage/memory"
	pgstore "github.com/JakeFAU/robustfetch/internal/storage/postgres"
	"github.com/JakeFAU/robustfetch/internal/telemetry"
)

// publishAttrs are attached to every completion event.
var publishAttrs = map[string]string{"source": "robustfetch"}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	table     *mirror.Table
	gate      *ratelimit.Limiter
	fetcher   *fetch.Orchestrator
	converter *convert.Selector
	records   blobstore.RecordStore
	pipeline  *pipeline.Pipeline
	pool      *pipeline.Pool
	apiServer *api.Server

	storage         *storage.Client
	pgStore         *pgstore.RecordStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracer          *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Nothing is started; call
// Start to launch the background workers.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("database", cfg.Database.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)

	if cfg.Tracing.Enabled {
		var err error
		a.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}, telemetry.NewLogProcessor(logger.Named("trace")))
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	if err := a.setupFetcher(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.setupConverter()

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err = a.setupDatabase(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Fetcher:   a.fetcher,
		Converter: a.converter,
		Hasher:    sha256.New(),
		Blobs:     blobs,
		Records:   a.records,
		Publisher: publisher,
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     system.New(),
	}, pipeline.Config{
		BlobPrefix: cfg.Storage.Prefix,
		Topic:      topic(cfg),
	}, logger.Named("pipeline"))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	a.pool = pipeline.NewPool(a.pipeline, cfg.Server.Workers, cfg.Server.Backlog, logger.Named("pool"))

	a.apiServer, err = api.NewServer(api.Deps{
		Submitter: a.pool,
		Runner:    a.pipeline,
		Records:   a.records,
		Converter: a.converter,
		Mirrors:   a.table,
	}, api.Config{
		OutputDir:      cfg.Fetcher.OutputDir,
		TryMirrors:     cfg.Mirrors.Enabled,
		TryWayback:     cfg.Archive.Enabled,
		FetchTimeout:   cfg.FetchTimeout(),
		RequestTimeout: cfg.ConvertTimeout() + 10*time.Second,
	}, logger.Named("api"))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return a, nil
}

func (a *App) setupFetcher() error {
	cfg := a.cfg
	var err error
	a.gate, err = ratelimit.New(ratelimit.Config{Delay: cfg.RateLimitDelay()}, a.logger.Named("ratelimit"))
	if err != nil {
		return fmt.Errorf("rate gate init failed: %w", err)
	}

	entries := map[string][]string{}
	if cfg.Mirrors.UseDefaults {
		entries = mirror.Defaults()
	}
	for domain, mirrors := range cfg.Mirrors.Extra {
		entries[domain] = mirrors
	}
	a.table, err = mirror.NewTable(entries)
	if err != nil {
		return fmt.Errorf("mirror table init failed: %w", err)
	}

	session := collyfetcher.New(collyfetcher.Config{
		Timeout:     cfg.FetchTimeout(),
		MaxBodySize: cfg.Fetcher.MaxBodyBytes,
		UserAgents:  cfg.Fetcher.UserAgents,
	}, a.logger.Named("session"))
	runner := command.ExecRunner{}
	var engines fetch.Engines
	if cfg.EngineEnabled(string(fetch.TacticSession)) {
		engines.Session = session
	}
	if cfg.EngineEnabled(string(fetch.TacticCurl)) {
		engines.Curl = command.NewCurl(command.Config{
			Binary:     cfg.Fetcher.CurlPath,
			Timeout:    cfg.FetchTimeout(),
			UserAgents: cfg.Fetcher.UserAgents,
		}, runner, a.logger.Named("curl"))
	}
	if cfg.EngineEnabled(string(fetch.TacticWget)) {
		engines.Wget = command.NewWget(command.Config{
			Binary:     cfg.Fetcher.WgetPath,
			Timeout:    cfg.FetchTimeout(),
			UserAgents: cfg.Fetcher.UserAgents,
		}, runner, a.logger.Named("wget"))
	}

	deps := fetch.Deps{
		Engines: engines,
		Gate:    a.gate,
		Mirrors: mirror.NewResolver(a.table),
		Clock:   system.New(),
		Logger:  a.logger.Named("fetch"),
	}
	// The availability query goes through the session backend even when the
	// session tactic is disabled for downloads.
	archive, err := wayback.New(wayback.Config{
		Endpoint: cfg.Archive.Endpoint,
		Timeout:  cfg.ArchiveLookupTimeout(),
	}, session, a.logger.Named("wayback"))
	if err != nil {
		return fmt.Errorf("wayback client init failed: %w", err)
	}
	archive.UseGate(a.gate)
	deps.Archive = archive
	if cfg.Fetcher.DetectChallenges {
		deps.Detector = detect.NewChallenge(cfg.Fetcher.ChallengeThreshold)
	}

	a.fetcher, err = fetch.New(fetch.Config{
		CacheDir:       cfg.Fetcher.CacheDir,
		NotFoundPolicy: fetch.NotFoundPolicy(cfg.Fetcher.NotFoundPolicy),
		Referer:        fetcher.DefaultReferer,
		ArchiveReferer: fetcher.ArchiveReferer,
		ArchiveTimeout: cfg.ArchiveDownloadTimeout(),
	}, deps)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.logger.Info("fetch orchestrator ready",
		zap.Strings("engines", cfg.Fetcher.Engines),
		zap.Duration("rate_limit_delay", cfg.RateLimitDelay()),
		zap.Int("mirror_domains", len(a.table.Domains())),
	)
	return nil
}

func (a *App) setupConverter() {
	cfg := a.cfg.Converter
	runner := command.ExecRunner{}
	converters := []convert.Converter{
		cli.NewWkhtmltopdf(cfg.WkhtmltopdfPath, runner, a.logger.Named("wkhtmltopdf")),
		cli.NewWeasyprint(cfg.WeasyprintPath, runner, a.logger.Named("weasyprint")),
	}
	chromium, err := headless.New(headless.Config{
		ExecPath:    cfg.ChromiumPath,
		MaxParallel: cfg.MaxParallel,
	}, a.logger.Named("chromium"))
	if err != nil {
		a.logger.Warn("chromium converter disabled", zap.Error(err))
	} else {
		converters = append(converters, chromium)
	}
	a.converter = convert.NewSelector(a.cfg.ConvertTimeout(), a.logger.Named("convert"), converters...)
	a.logger.Info("pdf converters probed", zap.Strings("available", a.converter.Available()))
}

func (a *App) setupStorage(ctx context.Context) (blobstore.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:       cfg.GCSBucket,
			SkipExisting: true,
			Metadata:     publishAttrs,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir, SkipExisting: true})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	case "memory":
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("artifact copies disabled")
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	cfg := a.cfg.Database
	if cfg.Backend != "postgres" {
		a.logger.Info("using in-memory record store")
		a.records = memorystorage.NewRecordStore()
		return nil
	}
	var err error
	a.pgStore, err = pgstore.NewRecordStore(ctx, pgstore.Config{
		DSN:      cfg.DSN,
		Table:    cfg.Table,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	if err = a.pgStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("record store schema: %w", err)
	}
	a.records = a.pgStore
	a.logger.Info("record store initialized", zap.String("table", cfg.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	cfg := a.cfg.PubSub
	if !cfg.Enabled {
		a.logger.Info("Pub/Sub disabled, using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultRetention, publishAttrs), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient, publishAttrs)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.Topic),
	)
	return a.pubsubPublisher, nil
}

func topic(cfg config.Config) string {
	if !cfg.PubSub.Enabled {
		return ""
	}
	return cfg.PubSub.Topic
}

// Start launches the background fetch workers.
func (a *App) Start(ctx context.Context) {
	a.pool.Start(ctx)
}

// Fetcher returns the fetch orchestrator.
func (a *App) Fetcher() *fetch.Orchestrator { return a.fetcher }

// Converter returns the PDF converter selector.
func (a *App) Converter() *convert.Selector { return a.converter }

// Mirrors returns the process-wide mirror table.
func (a *App) Mirrors() *mirror.Table { return a.table }

// Pipeline returns the end-to-end fetch pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Pool returns the background worker pool.
func (a *App) Pool() *pipeline.Pool { return a.pool }

// Records returns the fetch record store.
func (a *App) Records() blobstore.RecordStore { return a.records }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Close stops workers and releases external clients.
func (a *App) Close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Stop(ctx)
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
