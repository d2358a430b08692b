package fetch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/robustfetch/internal/clock/system"
	"github.com/JakeFAU/robustfetch/internal/policy/ratelimit"
)

const (
	origin     = "https://www.dni.gov/files/report.pdf"
	mirrorA    = "https://defense.gov/files/report.pdf"
	mirrorB    = "https://aaro.mil/files/report.pdf"
	snapshotAt = "https://web.archive.org/web/20210625000000/https://www.dni.gov/files/report.pdf"
)

var (
	forbidden = Failed(FailureForbidden, "HTTP 403")
	notFound  = Failed(FailureNotFound, "HTTP 404")
	timedOut  = Failed(FailureTimeout, "deadline exceeded")
	refused   = Failed(FailureNetwork, "connection refused")
	pdfOK     = Success("application/pdf", 8)
)

// stubEngine returns scripted outcomes per URL and writes a body on success.
type stubEngine struct {
	mu          sync.Mutex
	unavailable bool
	outcomes    map[string]Outcome
	body        string
	calls       []string
}

func (s *stubEngine) Available() bool { return !s.unavailable }

func (s *stubEngine) Download(_ context.Context, d Download) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d.URL)
	out, ok := s.outcomes[d.URL]
	if !ok {
		out = forbidden
	}
	if out.OK() {
		body := s.body
		if body == "" {
			body = "%PDF-1.7"
		}
		if err := os.WriteFile(d.Path, []byte(body), 0o600); err != nil {
			return Failed(FailureOther, err.Error())
		}
	}
	return out
}

func (s *stubEngine) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type stubGate struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *stubGate) Wait(_ context.Context, rawURL string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, rawURL)
	return g.err
}

type stubMirrors struct {
	normalize  map[string]string
	candidates map[string][]string
}

func (m stubMirrors) Normalize(rawURL string) string {
	if n, ok := m.normalize[rawURL]; ok {
		return n
	}
	return rawURL
}

func (m stubMirrors) Candidates(rawURL string) []string {
	return m.candidates[rawURL]
}

type stubArchive struct {
	snapshot string
	lookups  int
}

func (a *stubArchive) Lookup(context.Context, string) (string, bool) {
	a.lookups++
	return a.snapshot, a.snapshot != ""
}

func (a *stubArchive) ManualURL(rawURL string) string {
	return "https://web.archive.org/web/*/" + rawURL
}

type stubDetector struct{}

func (stubDetector) Blocked(contentType string, head []byte) (bool, string) {
	if contentType == "text/html" && string(head) == "challenge" {
		return true, "challenge page"
	}
	return false, ""
}

type harness struct {
	session, curl, wget *stubEngine
	gate                *stubGate
	archive             *stubArchive
	mirrors             stubMirrors
	cfg                 Config
	dest                string
	tracer              trace.Tracer
	clock               Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{
		session: &stubEngine{outcomes: map[string]Outcome{}},
		curl:    &stubEngine{outcomes: map[string]Outcome{}},
		wget:    &stubEngine{outcomes: map[string]Outcome{}},
		gate:    &stubGate{},
		archive: &stubArchive{},
		mirrors: stubMirrors{candidates: map[string][]string{}},
		cfg:     Config{CacheDir: filepath.Join(dir, "cache")},
		dest:    filepath.Join(dir, "out", "report.pdf"),
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, Deps{
		Engines:  Engines{Session: h.session, Curl: h.curl, Wget: h.wget},
		Gate:     h.gate,
		Mirrors:  h.mirrors,
		Archive:  h.archive,
		Detector: stubDetector{},
		Clock:    h.clock,
		Tracer:   h.tracer,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) request(tryMirrors, tryWayback bool) Request {
	req := NewRequest(origin, h.dest)
	req.TryMirrors = tryMirrors
	req.TryWayback = tryWayback
	return req
}

func (h *harness) all(url string, out Outcome) {
	h.session.outcomes[url] = out
	h.curl.outcomes[url] = out
	h.wget.outcomes[url] = out
}

func requireNoScratch(t *testing.T, cacheDir string) {
	t.Helper()
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files must be cleaned up")
}

func TestFetch_DirectForbiddenNoMirrorsNoArchive(t *testing.T) {
	h := newHarness(t)
	h.all(origin, forbidden)

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, false))

	assert.Equal(t, StatusForbidden, res.Status)
	assert.Equal(t, []string{origin}, res.AttemptedURLs)
	assert.Empty(t, res.LocalPath)
	assert.Empty(t, res.WaybackURL)
	assert.NotEmpty(t, res.ErrorMsg)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, TacticSession, res.Attempts[0].Tactic)
	assert.Equal(t, TacticCurl, res.Attempts[1].Tactic)
	assert.Equal(t, TacticWget, res.Attempts[2].Tactic)
	assert.NoFileExists(t, h.dest)
	assert.Zero(t, h.archive.lookups)
	requireNoScratch(t, h.cfg.CacheDir)
}

func TestFetch_DirectSuccessStopsCascade(t *testing.T) {
	h := newHarness(t)
	h.session.outcomes[origin] = forbidden
	h.curl.outcomes[origin] = pdfOK
	h.mirrors.candidates[origin] = []string{mirrorA}

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, h.dest, res.LocalPath)
	assert.Equal(t, "application/pdf", res.ContentType)
	assert.Equal(t, origin, res.ResolvedURL)
	assert.Equal(t, []string{origin}, res.AttemptedURLs)
	assert.Empty(t, h.wget.Calls())
	assert.Zero(t, h.archive.lookups)

	data, err := os.ReadFile(h.dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	requireNoScratch(t, h.cfg.CacheDir)
}

func TestFetch_NotFoundThenMirrorSuccess(t *testing.T) {
	h := newHarness(t)
	h.session.outcomes[origin] = notFound
	h.session.outcomes[mirrorA] = pdfOK
	h.mirrors.candidates[origin] = []string{mirrorA}

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{origin, mirrorA}, res.AttemptedURLs)
	assert.Equal(t, mirrorA, res.ResolvedURL)
	assert.Equal(t, h.dest, res.LocalPath)
	assert.FileExists(t, h.dest)
	assert.Empty(t, h.curl.Calls(), "not-found short-circuits the remaining engines")
	assert.Empty(t, res.WaybackURL)
}

func TestFetch_NotFoundWithMirrorsDisabled(t *testing.T) {
	h := newHarness(t)
	h.all(origin, notFound)
	h.mirrors.candidates[origin] = []string{mirrorA}

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, []string{origin}, res.AttemptedURLs)
	assert.Len(t, res.Attempts, 1)
}

func TestFetch_NotFoundSurvivesMirrorExhaustion(t *testing.T) {
	h := newHarness(t)
	h.session.outcomes[origin] = notFound
	h.mirrors.candidates[origin] = []string{mirrorA}

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, false))

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, []string{origin, mirrorA}, res.AttemptedURLs)
}

func TestFetch_AbandonPolicySkipsMirrorsAndArchive(t *testing.T) {
	h := newHarness(t)
	h.cfg.NotFoundPolicy = NotFoundAbandonURL
	h.session.outcomes[origin] = notFound
	h.session.outcomes[mirrorA] = pdfOK
	h.mirrors.candidates[origin] = []string{mirrorA}
	h.archive.snapshot = snapshotAt

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, []string{origin}, res.AttemptedURLs)
	assert.Zero(t, h.archive.lookups)
	assert.Empty(t, res.WaybackURL)
}

func TestFetch_MirrorExhaustionWithoutArchive(t *testing.T) {
	h := newHarness(t)
	h.mirrors.candidates[origin] = []string{mirrorA, mirrorB}

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, false))

	assert.Equal(t, StatusAllMirrorsFailed, res.Status)
	assert.Equal(t, []string{origin, mirrorA, mirrorB}, res.AttemptedURLs)
	assert.Len(t, res.Attempts, 9)
	assert.Contains(t, res.ErrorMsg, mirrorB)
}

func TestFetch_ArchiveSuccess(t *testing.T) {
	h := newHarness(t)
	h.mirrors.candidates[origin] = []string{mirrorA}
	h.archive.snapshot = snapshotAt
	h.wget.outcomes[snapshotAt] = pdfOK
	h.cfg.ArchiveReferer = "https://archive.org/"

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, StatusWaybackSuccess, res.Status)
	assert.Equal(t, snapshotAt, res.WaybackURL)
	assert.Equal(t, h.dest, res.LocalPath)
	assert.Equal(t, []string{origin, mirrorA, snapshotAt}, res.AttemptedURLs)
	assert.FileExists(t, h.dest)
	last := res.Attempts[len(res.Attempts)-1]
	assert.Equal(t, PhaseArchive, last.Phase)
	assert.Equal(t, TacticWget, last.Tactic)
	assert.Empty(t, res.ErrorMsg)
}

func TestFetch_ArchiveSnapshotDownloadFails(t *testing.T) {
	h := newHarness(t)
	h.archive.snapshot = snapshotAt

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, StatusAllMirrorsFailed, res.Status)
	assert.Equal(t, snapshotAt, res.WaybackURL, "the snapshot is reported for manual retrieval")
	assert.Empty(t, res.LocalPath)
	assert.Equal(t, []string{origin, snapshotAt}, res.AttemptedURLs)
	assert.Contains(t, res.ErrorMsg, snapshotAt)
	assert.NoFileExists(t, h.dest)
}

func TestFetch_ArchiveMiss(t *testing.T) {
	h := newHarness(t)
	h.all(origin, refused)

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, StatusAllMirrorsFailed, res.Status)
	assert.Empty(t, res.WaybackURL)
	assert.Empty(t, res.LocalPath)
	assert.Equal(t, 1, h.archive.lookups)
	assert.Contains(t, res.ErrorMsg, "no archived snapshot found")
	assert.Contains(t, res.ErrorMsg, "https://web.archive.org/web/*/"+origin)
}

func TestFetch_DominantDirectFailure(t *testing.T) {
	cases := []struct {
		name                string
		session, curl, wget Outcome
		want                Status
	}{
		{"timeout beats network", timedOut, refused, refused, StatusTimeout},
		{"forbidden beats timeout", timedOut, forbidden, refused, StatusForbidden},
		{"all network", refused, refused, refused, StatusNetwork},
		{"other maps to network", Failed(FailureOther, "HTTP 500"), refused, refused, StatusNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.session.outcomes[origin] = tc.session
			h.curl.outcomes[origin] = tc.curl
			h.wget.outcomes[origin] = tc.wget

			res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))
			assert.Equal(t, tc.want, res.Status)
		})
	}
}

func TestFetch_GateConsultedBeforeEveryAttempt(t *testing.T) {
	h := newHarness(t)
	h.mirrors.candidates[origin] = []string{mirrorA}
	h.archive.snapshot = snapshotAt

	res := h.orchestrator(t).Fetch(context.Background(), h.request(true, true))

	require.Len(t, res.Attempts, 9)
	urls := make([]string, 0, len(res.Attempts))
	for _, a := range res.Attempts {
		urls = append(urls, a.URL)
	}
	assert.Equal(t, urls, h.gate.calls)
}

func TestFetch_GateFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.gate.err = context.DeadlineExceeded

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))

	assert.Equal(t, StatusTimeout, res.Status)
	assert.Len(t, res.Attempts, 3)
	assert.Empty(t, h.session.Calls())
}

func TestFetch_UnavailableEngineIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.curl.unavailable = true
	h.all(origin, forbidden)

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, TacticSession, res.Attempts[0].Tactic)
	assert.Equal(t, TacticWget, res.Attempts[1].Tactic)
}

func TestFetch_NoEngineAvailable(t *testing.T) {
	h := newHarness(t)
	h.session.unavailable = true
	h.curl.unavailable = true
	h.wget.unavailable = true

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))

	assert.Equal(t, StatusNetwork, res.Status)
	assert.Equal(t, []string{origin}, res.AttemptedURLs)
	assert.Contains(t, res.ErrorMsg, "no engine available")
}

func TestFetch_ChallengePageIsForbidden(t *testing.T) {
	h := newHarness(t)
	h.session.outcomes[origin] = Success("text/html", 9)
	h.session.body = "challenge"
	h.curl.outcomes[origin] = pdfOK

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))

	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, FailureForbidden, res.Attempts[0].Outcome.Failure)
	assert.Equal(t, "challenge page", res.Attempts[0].Outcome.Diagnostic)
	data, err := os.ReadFile(h.dest)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	requireNoScratch(t, h.cfg.CacheDir)
}

func TestFetch_NormalizedURLIsTargeted(t *testing.T) {
	h := newHarness(t)
	const abs = "https://arxiv.org/abs/2101.00001"
	const doc = "https://arxiv.org/pdf/2101.00001.pdf"
	h.mirrors.normalize = map[string]string{abs: doc}
	h.session.outcomes[doc] = pdfOK

	req := NewRequest(abs, h.dest)
	res := h.orchestrator(t).Fetch(context.Background(), req)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, abs, res.URL)
	assert.Equal(t, doc, res.ResolvedURL)
	assert.Equal(t, []string{doc}, res.AttemptedURLs)
}

func TestFetch_InvalidRequest(t *testing.T) {
	h := newHarness(t)
	req := NewRequest("ftp://example.com/file", h.dest)

	res := h.orchestrator(t).Fetch(context.Background(), req)

	assert.False(t, res.Status.Succeeded())
	assert.Equal(t, []string{"ftp://example.com/file"}, res.AttemptedURLs)
	assert.Contains(t, res.ErrorMsg, "invalid request")
	assert.Empty(t, h.gate.calls)
}

func TestFetch_IsIdempotentAgainstDeterministicStubs(t *testing.T) {
	h := newHarness(t)
	h.session.outcomes[origin] = notFound
	h.mirrors.candidates[origin] = []string{mirrorA, mirrorB}
	h.curl.outcomes[mirrorB] = timedOut
	h.archive.snapshot = snapshotAt
	h.wget.outcomes[snapshotAt] = pdfOK
	o := h.orchestrator(t)

	first := o.Fetch(context.Background(), h.request(true, true))
	second := o.Fetch(context.Background(), h.request(true, true))

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.AttemptedURLs, second.AttemptedURLs)
	assert.Equal(t, first.WaybackURL, second.WaybackURL)
	assert.Equal(t, first.LocalPath, second.LocalPath)
	require.Len(t, second.Attempts, len(first.Attempts))
	for i := range first.Attempts {
		assert.Equal(t, first.Attempts[i].Tactic, second.Attempts[i].Tactic)
		assert.Equal(t, first.Attempts[i].Outcome, second.Attempts[i].Outcome)
	}
	assert.Equal(t, StatusWaybackSuccess, first.Status)
}

func TestFetch_AttemptsRespectRateDelay(t *testing.T) {
	delay := 120 * time.Millisecond
	gate, err := ratelimit.New(ratelimit.Config{Delay: delay}, nil)
	require.NoError(t, err)

	h := newHarness(t)
	h.session.outcomes[origin] = pdfOK
	o, err := New(h.cfg, Deps{Engines: Engines{Session: h.session}, Gate: gate})
	require.NoError(t, err)

	first := o.Fetch(context.Background(), h.request(false, false))
	second := o.Fetch(context.Background(), NewRequest(origin, filepath.Join(filepath.Dir(h.dest), "again.pdf")))

	require.Len(t, first.Attempts, 1)
	require.Len(t, second.Attempts, 1)
	gap := second.Attempts[0].StartedAt.Sub(first.Attempts[0].StartedAt)
	assert.GreaterOrEqual(t, gap, delay-5*time.Millisecond)
}

func TestFetch_AttemptTimingUsesClock(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.clock = system.NewManual(start, 2*time.Second)
	h.session.outcomes[origin] = forbidden
	h.curl.outcomes[origin] = pdfOK

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))

	require.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, start, res.Attempts[0].StartedAt)
	assert.Equal(t, 2*time.Second, res.Attempts[0].Duration)
	assert.Equal(t, start.Add(4*time.Second), res.Attempts[1].StartedAt)
	assert.Equal(t, 2*time.Second, res.Attempts[1].Duration)
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	engine := &stubEngine{}

	_, err := New(Config{}, Deps{Engines: Engines{Session: engine}, Gate: &stubGate{}})
	require.Error(t, err)

	_, err = New(Config{CacheDir: dir}, Deps{Engines: Engines{Session: engine}})
	require.Error(t, err)

	_, err = New(Config{CacheDir: dir}, Deps{Gate: &stubGate{}})
	require.Error(t, err)

	_, err = New(Config{CacheDir: dir, NotFoundPolicy: "retry"}, Deps{Engines: Engines{Session: engine}, Gate: &stubGate{}})
	require.Error(t, err)

	o, err := New(Config{CacheDir: filepath.Join(dir, "nested", "cache")}, Deps{Engines: Engines{Wget: engine}, Gate: &stubGate{}})
	require.NoError(t, err)
	assert.Equal(t, NotFoundSkipEngines, o.cfg.NotFoundPolicy)
	assert.DirExists(t, filepath.Join(dir, "nested", "cache"))
}

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, NewRequest("https://example.com/a", "/tmp/a").Validate())
	assert.Error(t, NewRequest("https://example.com/a", "").Validate())
	assert.Error(t, NewRequest("/relative", "/tmp/a").Validate())
	assert.Error(t, NewRequest("%zz", "/tmp/a").Validate())

	req := NewRequest("https://example.com/a", "/tmp/a")
	req.Timeout = -time.Second
	assert.Error(t, req.Validate())
}

func TestStatusSucceeded(t *testing.T) {
	assert.True(t, StatusSuccess.Succeeded())
	assert.True(t, StatusWaybackSuccess.Succeeded())
	for _, s := range []Status{StatusForbidden, StatusNotFound, StatusTimeout, StatusNetwork, StatusAllMirrorsFailed} {
		assert.False(t, s.Succeeded(), s)
	}
}

func TestOutcomeHelpers(t *testing.T) {
	assert.True(t, pdfOK.OK())
	assert.False(t, forbidden.OK())
	assert.Equal(t, FailureTimeout, contextFailure(context.DeadlineExceeded))
	assert.Equal(t, FailureOther, contextFailure(context.Canceled))
}

func TestFetch_RecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t)
	h.tracer = tp.Tracer("test")
	h.session.outcomes[origin] = forbidden
	h.curl.outcomes[origin] = Success("application/pdf", 8)

	res := h.orchestrator(t).Fetch(context.Background(), h.request(false, false))
	require.Equal(t, StatusSuccess, res.Status)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "robustfetch.attempt", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("robustfetch.failure", string(FailureForbidden)))
	assert.Equal(t, "robustfetch.attempt", spans[1].Name())
	assert.Contains(t, spans[1].Attributes(), attribute.String("robustfetch.tactic", string(TacticCurl)))
	assert.Equal(t, "robustfetch.fetch", spans[2].Name())
	assert.Contains(t, spans[2].Attributes(), attribute.String("robustfetch.status", string(StatusSuccess)))
	assert.Equal(t, spans[2].SpanContext().SpanID(), spans[0].Parent().SpanID())
}
