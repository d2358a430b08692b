package command

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/fetch"
	"github.com/JakeFAU/robustfetch/internal/fetcher"
)

// curlWriteOut makes curl print the final status code and content type on stdout.
const curlWriteOut = "%{http_code}\\n%{content_type}"

// Curl is the first subprocess engine.
type Curl struct {
	cfg     Config
	runner  Runner
	profile *fetcher.Profile
	logger  *zap.Logger
}

// NewCurl builds a curl engine. A nil runner uses ExecRunner.
func NewCurl(cfg Config, runner Runner, logger *zap.Logger) *Curl {
	if cfg.Binary == "" {
		cfg.Binary = "curl"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Curl{cfg: cfg, runner: runner, profile: fetcher.NewProfile(cfg.UserAgents), logger: logger}
}

// Available reports whether the curl binary can be found.
func (c *Curl) Available() bool {
	_, err := c.runner.LookPath(c.cfg.Binary)
	return err == nil
}

// Download runs curl against d.URL, writing the body to d.Path.
func (c *Curl) Download(ctx context.Context, d fetch.Download) fetch.Outcome {
	bin, err := c.runner.LookPath(c.cfg.Binary)
	if err != nil {
		return fetch.Failed(fetch.FailureOther, "curl not installed")
	}
	timeout := c.cfg.timeout(d)
	runCtx, cancel := context.WithTimeout(ctx, timeout+killGrace)
	defer cancel()

	out, err := c.runner.Run(runCtx, bin, c.args(d, timeout))
	if err != nil {
		return runFailure("curl", err)
	}
	status, contentType := parseCurlWriteOut(out.Stdout)
	c.logger.Debug("curl finished",
		zap.String("url", d.URL),
		zap.Int("exit_code", out.ExitCode),
		zap.Int("status", status),
	)
	if out.ExitCode != 0 {
		o := fetch.Failed(classifyCurlExit(out.ExitCode), curlDiagnostic(out))
		o.StatusCode = status
		return o
	}
	if kind := fetcher.ClassifyStatus(status); kind != fetch.FailureNone {
		o := fetch.Failed(kind, fmt.Sprintf("HTTP %d", status))
		o.StatusCode = status
		return o
	}
	return finish(d.Path, contentType, status)
}

func (c *Curl) args(d fetch.Download, timeout time.Duration) []string {
	args := []string{
		"-L", "-s", "-S",
		"--compressed",
		"--max-time", seconds(timeout),
		"-o", d.Path,
		"-w", curlWriteOut,
	}
	headers := c.profile.Headers(d.Referer)
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			args = append(args, "-H", k+": "+v)
		}
	}
	return append(args, d.URL)
}

func parseCurlWriteOut(stdout []byte) (int, string) {
	lines := strings.SplitN(string(bytes.TrimSpace(stdout)), "\n", 2)
	code, _ := strconv.Atoi(strings.TrimSpace(lines[0]))
	var contentType string
	if len(lines) == 2 {
		contentType = strings.TrimSpace(lines[1])
	}
	return code, contentType
}

// classifyCurlExit maps curl exit codes (see curl(1) EXIT CODES) onto failure kinds.
func classifyCurlExit(code int) fetch.FailureKind {
	switch code {
	case 28:
		return fetch.FailureTimeout
	case 5, 6, 7, 35, 52, 55, 56:
		return fetch.FailureNetwork
	default:
		return fetch.FailureOther
	}
}

func curlDiagnostic(out Output) string {
	msg := strings.TrimSpace(string(out.Stderr))
	if msg == "" {
		msg = "no stderr"
	}
	return fmt.Sprintf("curl exit %d: %s", out.ExitCode, msg)
}
