// Package pipeline runs a fetch end to end: retrieve, optionally convert to
// PDF, digest, copy to blob storage, record and announce completion.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/clock/system"
	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

// Fetcher retrieves one URL.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) fetch.Result
}

// Converter renders HTML to PDF and reports the engine used.
type Converter interface {
	Run(ctx context.Context, htmlPath, pdfPath, engine string) (string, error)
}

// Hasher digests a file.
type Hasher interface {
	HashFile(path string) (string, int64, error)
}

// IDGenerator issues run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher announces finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Config controls post-fetch processing.
type Config struct {
	BlobPrefix string
	Topic      string
}

// Job is one unit of work.
type Job struct {
	Request fetch.Request `json:"request"`
	// PDF requests an HTML to PDF conversion next to the downloaded file.
	PDF       bool   `json:"pdf"`
	PDFEngine string `json:"pdf_engine,omitempty"`
}

// Deps are the collaborators of a Pipeline. Fetcher, Records and IDs are required.
type Deps struct {
	Fetcher   Fetcher
	Converter Converter
	Hasher    Hasher
	Blobs     storage.BlobStore
	Records   storage.RecordStore
	Publisher Publisher
	IDs       IDGenerator
	Clock     Clock
}

// Pipeline executes jobs.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// Event is the payload published when a run finishes.
type Event struct {
	ID          string       `json:"id"`
	Status      fetch.Status `json:"status"`
	URL         string       `json:"url"`
	ResolvedURL string       `json:"resolved_url,omitempty"`
	WaybackURL  string       `json:"wayback_url,omitempty"`
	SHA256      string       `json:"sha256,omitempty"`
	BlobURI     string       `json:"blob_uri,omitempty"`
	PDFPath     string       `json:"pdf_path,omitempty"`
	CompletedAt string       `json:"completed_at"`
}

// New constructs a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("pipeline requires a fetcher")
	}
	if deps.Records == nil {
		return nil, errors.New("pipeline requires a record store")
	}
	if deps.IDs == nil {
		return nil, errors.New("pipeline requires an id generator")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger}, nil
}

// Queued creates and saves the initial record for job.
func (p *Pipeline) Queued(ctx context.Context, job Job) (storage.Record, error) {
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return storage.Record{}, fmt.Errorf("new run id: %w", err)
	}
	now := p.deps.Clock.Now()
	rec := storage.Record{
		ID:          id,
		State:       storage.StateQueued,
		Result:      fetch.Result{URL: job.Request.URL, AttemptedURLs: []string{}},
		StartedAt:   now,
		CompletedAt: now,
	}
	if err := p.deps.Records.Save(ctx, rec); err != nil {
		return storage.Record{}, fmt.Errorf("save queued record: %w", err)
	}
	return rec, nil
}

// Run executes job synchronously under a fresh run ID.
func (p *Pipeline) Run(ctx context.Context, job Job) (storage.Record, error) {
	rec, err := p.Queued(ctx, job)
	if err != nil {
		return storage.Record{}, err
	}
	return p.Process(ctx, rec, job)
}

// Process executes job for an existing record. The fetch result is always
// recorded; the returned error reports post-processing failures only.
func (p *Pipeline) Process(ctx context.Context, rec storage.Record, job Job) (storage.Record, error) {
	logger := p.logger.With(zap.String("run_id", rec.ID), zap.String("url", job.Request.URL))

	rec.State = storage.StateRunning
	rec.StartedAt = p.deps.Clock.Now()
	if err := p.deps.Records.Save(ctx, rec); err != nil {
		logger.Warn("mark run running failed", zap.Error(err))
	}

	rec.Result = p.deps.Fetcher.Fetch(ctx, job.Request)

	var errs []error
	if rec.Result.Status.Succeeded() {
		errs = append(errs, p.persistArtifact(ctx, &rec))
		if job.PDF {
			errs = append(errs, p.convert(ctx, &rec, job.PDFEngine))
		}
	}

	rec.State = storage.StateDone
	rec.CompletedAt = p.deps.Clock.Now()
	if err := p.deps.Records.Save(ctx, rec); err != nil {
		errs = append(errs, fmt.Errorf("save record: %w", err))
	}
	errs = append(errs, p.publish(ctx, rec))

	err := errors.Join(errs...)
	if err != nil {
		logger.Error("post-fetch processing failed", zap.Error(err))
	}
	logger.Info("run finished",
		zap.String("status", string(rec.Result.Status)),
		zap.String("sha256", rec.SHA256),
		zap.String("blob_uri", rec.BlobURI),
	)
	return rec, err
}

func (p *Pipeline) persistArtifact(ctx context.Context, rec *storage.Record) error {
	path := rec.Result.LocalPath
	if p.deps.Hasher != nil {
		digest, size, err := p.deps.Hasher.HashFile(path)
		if err != nil {
			return fmt.Errorf("hash artifact: %w", err)
		}
		rec.SHA256 = digest
		rec.SizeBytes = size
	}
	if p.deps.Blobs == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	uri, err := p.deps.Blobs.PutObject(ctx, p.blobPath(rec), rec.Result.ContentType, f)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	rec.BlobURI = uri
	return nil
}

// blobPath keys artifacts by digest when known so identical downloads share an object.
func (p *Pipeline) blobPath(rec *storage.Record) string {
	name := rec.ID
	if rec.SHA256 != "" {
		name = rec.SHA256[:2] + "/" + rec.SHA256
	}
	name += filepath.Ext(rec.Result.LocalPath)
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (p *Pipeline) convert(ctx context.Context, rec *storage.Record, engine string) error {
	if p.deps.Converter == nil {
		return errors.New("pdf conversion requested but no converter is configured")
	}
	if !isHTML(rec.Result.ContentType) {
		p.logger.Info("skipping pdf conversion of non-html artifact",
			zap.String("run_id", rec.ID),
			zap.String("content_type", rec.Result.ContentType),
		)
		return nil
	}
	local := rec.Result.LocalPath
	pdfPath := strings.TrimSuffix(local, filepath.Ext(local)) + ".pdf"
	if pdfPath == local {
		pdfPath = local + ".pdf"
	}
	used, err := p.deps.Converter.Run(ctx, local, pdfPath, engine)
	if err != nil {
		return fmt.Errorf("convert to pdf: %w", err)
	}
	rec.PDFPath = pdfPath
	rec.PDFEngine = used
	return nil
}

func (p *Pipeline) publish(ctx context.Context, rec storage.Record) error {
	if p.cfg.Topic == "" || p.deps.Publisher == nil {
		return nil
	}
	event := Event{
		ID:          rec.ID,
		Status:      rec.Result.Status,
		URL:         rec.Result.URL,
		ResolvedURL: rec.Result.ResolvedURL,
		WaybackURL:  rec.Result.WaybackURL,
		SHA256:      rec.SHA256,
		BlobURI:     rec.BlobURI,
		PDFPath:     rec.PDFPath,
		CompletedAt: rec.CompletedAt.Format(time.RFC3339),
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
