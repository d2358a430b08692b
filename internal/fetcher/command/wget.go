package command

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/fetcher"
)

var (
	wgetStatusLine  = regexp.MustCompile(`(?m)^\s*HTTP/[0-9.]+ (\d{3})`)
	wgetContentType = regexp.MustCompile(`(?mi)^\s*Content-Type:\s*(.+?)\s*$`)
	wgetErrorLine   = regexp.MustCompile(`ERROR (\d{3})`)
)

// Wget is the second subprocess engine, used after curl fails.
type Wget struct {
	cfg     Config
	runner  Runner
	profile *fetcher.Profile
	logger  *zap.Logger
}

// NewWget builds a wget engine. A nil runner uses ExecRunner.
func NewWget(cfg Config, runner Runner, logger *zap.Logger) *Wget {
	if cfg.Binary == "" {
		cfg.Binary = "wget"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wget{cfg: cfg, runner: runner, profile: fetcher.NewProfile(cfg.UserAgents), logger: logger}
}

// Available reports whether the wget binary can be found.
func (w *Wget) Available() bool {
	_, err := w.runner.LookPath(w.cfg.Binary)
	return err == nil
}

// Download runs wget against d.URL, writing the body to d.Path.
func (w *Wget) Download(ctx context.Context, d fetch.Download) fetch.Outcome {
	bin, err := w.runner.LookPath(w.cfg.Binary)
	if err != nil {
		return fetch.Failed(fetch.FailureOther, "wget not installed")
	}
	timeout := w.cfg.timeout(d)
	runCtx, cancel := context.WithTimeout(ctx, timeout+killGrace)
	defer cancel()

	out, err := w.runner.Run(runCtx, bin, w.args(d, timeout))
	if err != nil {
		return runFailure("wget", err)
	}
	stderr := string(out.Stderr)
	status := lastStatus(stderr)
	w.logger.Debug("wget finished",
		zap.String("url", d.URL),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("status", status),
	)
	if out.ExitCode != 0 {
		o := fetch.Failed(classifyWgetExit(out.ExitCode, status, stderr), wgetDiagnostic(out))
		o.StatusCode = status
		return o
	}
	if kind := fetcher.ClassifyStatus(status); status != 0 && kind != fetch.FailureNone {
		o := fetch.Failed(kind, fmt.Sprintf("HTTP %d", status))
		o.StatusCode = status
		return o
	}
	return finish(d.Path, lastContentType(stderr), status)
}

func (w *Wget) args(d fetch.Download, timeout time.Duration) []string {
	headers := w.profile.Headers(d.Referer)
	args := []string{
		"--server-response",
		"--tries=1",
		"--timeout=" + seconds(timeout),
		"--user-agent=" + headers.Get("User-Agent"),
		"--referer=" + headers.Get("Referer"),
		"-O", d.Path,
	}
	for _, k := range []string{"Accept", "Accept-Language", "DNT", "Upgrade-Insecure-Requests", "Sec-Fetch-Dest", "Sec-Fetch-Mode", "Sec-Fetch-Site", "Cache-Control"} {
		if v := headers.Get(k); v != "" {
			args = append(args, "--header="+k+": "+v)
		}
	}
	return append(args, d.URL)
}

// lastStatus returns the status of the final response wget printed with
// --server-response, so redirects resolve to the terminal code.
func lastStatus(stderr string) int {
	matches := wgetStatusLine.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		if m := wgetErrorLine.FindStringSubmatch(stderr); m != nil {
			code, _ := strconv.Atoi(m[1])
			return code
		}
		return 0
	}
	code, _ := strconv.Atoi(matches[len(matches)-1][1])
	return code
}

func lastContentType(stderr string) string {
	matches := wgetContentType.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

// classifyWgetExit maps wget exit codes (see wget(1) EXIT STATUS) onto failure kinds.
func classifyWgetExit(code, status int, stderr string) fetch.FailureKind {
	if code == 8 && status != 0 {
		if kind := fetcher.ClassifyStatus(status); kind != fetch.FailureNone {
			return kind
		}
	}
	lower := strings.ToLower(stderr)
	if strings.Contains(lower, "timed out") {
		return fetch.FailureTimeout
	}
	switch code {
	case 4, 5:
		return fetch.FailureNetwork
	case 6:
		return fetch.FailureForbidden
	default:
		return fetch.FailureOther
	}
}

func wgetDiagnostic(out Output) string {
	lines := strings.Split(strings.TrimSpace(string(out.Stderr)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		last = "no stderr"
	}
	return fmt.Sprintf("wget exit %d: %s", out.ExitCode, last)
}
