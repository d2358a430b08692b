// Package command implements the subprocess engines (curl and wget).
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/JakeFAU/robustfetch/internal/fetch"
)

// killGrace is added to the subprocess deadline so the tool's own timeout fires first.
const killGrace = 5 * time.Second

// Output is what a finished subprocess produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner locates and executes external programs.
type Runner interface {
	LookPath(file string) (string, error)
	// Run executes the program. A non-zero exit is reported through
	// Output.ExitCode, not as an error.
	Run(ctx context.Context, path string, args []string) (Output, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// LookPath searches PATH for file.
func (ExecRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Run executes path with args and captures its output streams.
func (ExecRunner) Run(ctx context.Context, path string, args []string) (Output, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("run %s: %w", path, err)
	}
	return out, nil
}

// Config controls a subprocess engine.
type Config struct {
	// Binary is the program name or path; empty uses the tool's default name.
	Binary string
	// Timeout is used when a download does not carry its own.
	Timeout time.Duration
	// UserAgents overrides the default user-agent pool.
	UserAgents []string
}

func (c Config) timeout(d fetch.Download) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fetch.DefaultTimeout
}

func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

// finish validates the file a tool left behind and builds the success outcome.
func finish(path, contentType string, statusCode int) fetch.Outcome {
	info, err := os.Stat(path)
	if err != nil {
		return fetch.Failed(fetch.FailureOther, fmt.Sprintf("no output file: %v", err))
	}
	if info.Size() == 0 {
		out := fetch.Failed(fetch.FailureOther, "empty response body")
		out.StatusCode = statusCode
		return out
	}
	if contentType == "" {
		contentType = sniff(path)
	}
	out := fetch.Success(contentType, info.Size())
	out.StatusCode = statusCode
	return out
}

func sniff(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return http.DetectContentType(buf[:n])
}

func runFailure(tool string, err error) fetch.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return fetch.Failed(fetch.FailureTimeout, fmt.Sprintf("%s killed after deadline", tool))
	}
	return fetch.Failed(fetch.FailureOther, err.Error())
}
