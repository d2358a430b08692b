package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/convert"
	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/pipeline"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

type fetchOptions struct {
	output    string
	outputDir string
	pdf       bool
	pdfEngine string
	noMirrors bool
	noWayback bool
	timeout   time.Duration
}

func newFetchCmd() *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch URL [URL...]",
		Short: "Download one or more URLs",
		Long: `Downloads each URL through the engine cascade, mirror domains and the
Internet Archive, printing one JSON record per URL. The command fails when any
URL could not be retrieved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "destination file (single URL only)")
	f.StringVar(&opts.outputDir, "output-dir", "", "destination directory (default fetcher.output_dir)")
	f.BoolVar(&opts.pdf, "pdf", false, "render HTML results to PDF")
	f.StringVar(&opts.pdfEngine, "pdf-engine", convert.EngineAuto, "converter: auto, wkhtmltopdf, chromium, weasyprint")
	f.BoolVar(&opts.noMirrors, "no-mirrors", false, "skip mirror domains")
	f.BoolVar(&opts.noWayback, "no-wayback", false, "skip the Internet Archive fallback")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-attempt timeout (default fetcher.timeout_seconds)")
	return cmd
}

func runFetch(cmd *cobra.Command, urls []string, opts fetchOptions) error {
	if opts.output != "" && len(urls) > 1 {
		return fmt.Errorf("--output accepts a single URL, got %d", len(urls))
	}
	a, e, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	dir := opts.outputDir
	if dir == "" {
		dir = e.cfg.Fetcher.OutputDir
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	var failed int
	for _, u := range urls {
		out := opts.output
		if out == "" {
			out = filepath.Join(dir, fetch.FilenameFromURL(u, ""))
		}
		req := fetch.NewRequest(u, out)
		req.TryMirrors = e.cfg.Mirrors.Enabled && !opts.noMirrors
		req.TryWayback = e.cfg.Archive.Enabled && !opts.noWayback
		req.Timeout = e.cfg.FetchTimeout()
		if opts.timeout > 0 {
			req.Timeout = opts.timeout
		}

		rec, err := a.Pipeline().Run(cmd.Context(), pipeline.Job{Request: req, PDF: opts.pdf, PDFEngine: opts.pdfEngine})
		if err != nil && rec.ID == "" {
			return fmt.Errorf("fetch %s: %w", u, err)
		}
		if err != nil {
			e.logger.Warn("post-fetch processing failed", zap.String("url", u), zap.Error(err))
		}
		if err := enc.Encode(summary(rec)); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if !rec.Result.Status.Succeeded() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d URLs could not be retrieved", failed, len(urls))
	}
	return nil
}

type fetchSummary struct {
	ID            string       `json:"id"`
	Status        fetch.Status `json:"status"`
	URL           string       `json:"url"`
	LocalPath     string       `json:"local_path,omitempty"`
	ContentType   string       `json:"content_type,omitempty"`
	ResolvedURL   string       `json:"resolved_url,omitempty"`
	WaybackURL    string       `json:"wayback_url,omitempty"`
	AttemptedURLs []string     `json:"attempted_urls"`
	ErrorMsg      string       `json:"error_msg,omitempty"`
	SHA256        string       `json:"sha256,omitempty"`
	PDFPath       string       `json:"pdf_path,omitempty"`
	PDFEngine     string       `json:"pdf_engine,omitempty"`
}

func summary(rec storage.Record) fetchSummary {
	return fetchSummary{
		ID:            rec.ID,
		Status:        rec.Result.Status,
		URL:           rec.Result.URL,
		LocalPath:     rec.Result.LocalPath,
		ContentType:   rec.Result.ContentType,
		ResolvedURL:   rec.Result.ResolvedURL,
		WaybackURL:    rec.Result.WaybackURL,
		AttemptedURLs: rec.Result.AttemptedURLs,
		ErrorMsg:      rec.Result.ErrorMsg,
		SHA256:        rec.SHA256,
		PDFPath:       rec.PDFPath,
		PDFEngine:     rec.PDFEngine,
	}
}
