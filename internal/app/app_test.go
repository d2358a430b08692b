package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/config"
	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/pipeline"
	"github.com/JakeFAU/robustfetch/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Fetcher.CacheDir = filepath.Join(dir, "cache")
	cfg.Fetcher.OutputDir = filepath.Join(dir, "out")
	cfg.Fetcher.RateLimitDelay = 0
	cfg.Fetcher.Engines = []string{"session"}
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = filepath.Join(dir, "blobs")
	return cfg
}

func TestBuild_DefaultWiring(t *testing.T) {
	t.Parallel()

	a, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.NotNil(t, a.Fetcher())
	assert.NotNil(t, a.Converter())
	assert.NotNil(t, a.Pipeline())
	assert.NotNil(t, a.Pool())
	assert.NotNil(t, a.Records())
	assert.Contains(t, a.Mirrors().Domains(), "arxiv.org")

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_WithTracing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracing.Enabled = true

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.tracer)
	a.Close(context.Background())
}

func TestBuild_MirrorOverrides(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Mirrors.UseDefaults = false
	cfg.Mirrors.Extra = map[string][]string{"example.org": {"mirror.example.net"}}

	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	assert.Equal(t, []string{"example.org"}, a.Mirrors().Domains())
}

func TestBuild_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Fetcher.NotFoundPolicy = "sometimes"
	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Mirrors.Extra = map[string][]string{"example.org": {"example.org"}}
	_, err = Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 end-to-end"))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	req := fetch.NewRequest(srv.URL+"/report.pdf", filepath.Join(cfg.Fetcher.OutputDir, "report.pdf"))
	req.TryMirrors = false
	req.TryWayback = false

	rec, err := a.Pipeline().Run(context.Background(), pipeline.Job{Request: req})
	require.NoError(t, err)
	assert.Equal(t, storage.StateDone, rec.State)
	assert.Equal(t, fetch.StatusSuccess, rec.Result.Status)
	assert.Len(t, rec.SHA256, 64)
	assert.Equal(t, int64(len("%PDF-1.7 end-to-end")), rec.SizeBytes)
	require.NotEmpty(t, rec.BlobURI)

	data, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 end-to-end", string(data))

	stored, err := a.Records().Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.SHA256, stored.SHA256)
}
