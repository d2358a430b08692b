package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/robustfetch/internal/fetch"
)

// stubRunner records the invocation and writes body to the output path.
type stubRunner struct {
	missing bool
	out     Output
	err     error
	body    string
	gotPath string
	gotArgs []string
}

func (s *stubRunner) LookPath(file string) (string, error) {
	if s.missing {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/bin/" + file, nil
}

func (s *stubRunner) Run(_ context.Context, path string, args []string) (Output, error) {
	s.gotPath = path
	s.gotArgs = args
	if s.body != "" {
		for i, a := range args {
			if (a == "-o" || a == "-O") && i+1 < len(args) {
				if err := os.WriteFile(args[i+1], []byte(s.body), 0o600); err != nil {
					return Output{}, err
				}
			}
		}
	}
	return s.out, s.err
}

func download(t *testing.T) fetch.Download {
	t.Helper()
	return fetch.Download{
		URL:     "https://example.com/report.pdf",
		Path:    filepath.Join(t.TempDir(), "attempt.part"),
		Timeout: 30 * time.Second,
	}
}

func TestCurl_Success(t *testing.T) {
	runner := &stubRunner{body: "%PDF-1.4", out: Output{Stdout: []byte("200\napplication/pdf")}}
	c := NewCurl(Config{}, runner, nil)
	d := download(t)

	out := c.Download(context.Background(), d)
	require.True(t, out.OK(), out.Diagnostic)
	assert.Equal(t, "application/pdf", out.ContentType)
	assert.Equal(t, int64(8), out.Bytes)
	assert.Equal(t, 200, out.StatusCode)

	assert.Equal(t, "/usr/bin/curl", runner.gotPath)
	args := strings.Join(runner.gotArgs, " ")
	assert.Contains(t, args, "-L -s -S --compressed --max-time 30 -o "+d.Path)
	assert.Contains(t, args, "-H Referer: https://www.google.com/")
	assert.Contains(t, args, "-H User-Agent: Mozilla/5.0")
	assert.Equal(t, d.URL, runner.gotArgs[len(runner.gotArgs)-1])
}

func TestCurl_SniffsContentTypeWhenMissing(t *testing.T) {
	runner := &stubRunner{body: "<!DOCTYPE html><html></html>", out: Output{Stdout: []byte("200\n")}}
	out := NewCurl(Config{}, runner, nil).Download(context.Background(), download(t))
	require.True(t, out.OK())
	assert.Contains(t, out.ContentType, "text/html")
}

func TestCurl_Failures(t *testing.T) {
	cases := []struct {
		name string
		out  Output
		err  error
		want fetch.FailureKind
	}{
		{"forbidden", Output{Stdout: []byte("403\ntext/html")}, nil, fetch.FailureForbidden},
		{"not found", Output{Stdout: []byte("404\ntext/html")}, nil, fetch.FailureNotFound},
		{"tool timeout", Output{ExitCode: 28, Stdout: []byte("000\n"), Stderr: []byte("curl: (28) Operation timed out")}, nil, fetch.FailureTimeout},
		{"dns", Output{ExitCode: 6, Stdout: []byte("000\n")}, nil, fetch.FailureNetwork},
		{"refused", Output{ExitCode: 7}, nil, fetch.FailureNetwork},
		{"killed", Output{}, context.DeadlineExceeded, fetch.FailureTimeout},
		{"unknown exit", Output{ExitCode: 3}, nil, fetch.FailureOther},
		{"empty body", Output{Stdout: []byte("200\ntext/html")}, nil, fetch.FailureOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := NewCurl(Config{}, &stubRunner{out: tc.out, err: tc.err}, nil).Download(context.Background(), download(t))
			assert.Equal(t, tc.want, out.Failure)
			assert.NotEmpty(t, out.Diagnostic)
		})
	}
}

func TestCurl_NotInstalled(t *testing.T) {
	c := NewCurl(Config{}, &stubRunner{missing: true}, nil)
	assert.False(t, c.Available())
	out := c.Download(context.Background(), download(t))
	assert.Equal(t, fetch.FailureOther, out.Failure)
	assert.Equal(t, "curl not installed", out.Diagnostic)
}

func TestWget_Success(t *testing.T) {
	stderr := "  HTTP/1.1 301 Moved Permanently\n  Location: https://example.com/x\n" +
		"  HTTP/1.1 200 OK\n  Content-Type: application/pdf\n  Content-Length: 8\n"
	runner := &stubRunner{body: "%PDF-1.4", out: Output{Stderr: []byte(stderr)}}
	w := NewWget(Config{}, runner, nil)
	d := download(t)
	d.Referer = "https://archive.org/"

	out := w.Download(context.Background(), d)
	require.True(t, out.OK(), out.Diagnostic)
	assert.Equal(t, "application/pdf", out.ContentType)
	assert.Equal(t, 200, out.StatusCode)

	assert.Contains(t, runner.gotArgs, "--tries=1")
	assert.Contains(t, runner.gotArgs, "--timeout=30")
	assert.Contains(t, runner.gotArgs, "--referer=https://archive.org/")
	assert.Contains(t, runner.gotArgs, "-O")
	assert.Equal(t, d.URL, runner.gotArgs[len(runner.gotArgs)-1])
}

func TestWget_Failures(t *testing.T) {
	cases := []struct {
		name string
		out  Output
		want fetch.FailureKind
	}{
		{"forbidden", Output{ExitCode: 8, Stderr: []byte("  HTTP/1.1 403 Forbidden\nERROR 403: Forbidden.")}, fetch.FailureForbidden},
		{"not found", Output{ExitCode: 8, Stderr: []byte("  HTTP/1.1 404 Not Found\n")}, fetch.FailureNotFound},
		{"error line only", Output{ExitCode: 8, Stderr: []byte("2024-01-01 ERROR 404: Not Found.")}, fetch.FailureNotFound},
		{"timeout", Output{ExitCode: 4, Stderr: []byte("Read error (Connection timed out) in headers.")}, fetch.FailureTimeout},
		{"network", Output{ExitCode: 4, Stderr: []byte("unable to resolve host address")}, fetch.FailureNetwork},
		{"server error", Output{ExitCode: 8, Stderr: []byte("  HTTP/1.1 500 Internal Server Error\n")}, fetch.FailureOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := NewWget(Config{}, &stubRunner{out: tc.out}, nil).Download(context.Background(), download(t))
			assert.Equal(t, tc.want, out.Failure)
		})
	}
}

func TestSecondsRoundsUpToOne(t *testing.T) {
	assert.Equal(t, "1", seconds(100*time.Millisecond))
	assert.Equal(t, "60", seconds(time.Minute))
}
