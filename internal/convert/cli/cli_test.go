package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/robustfetch/internal/convert"
	"github.com/JakeFAU/robustfetch/internal/fetcher/command"
)

type stubRunner struct {
	missing bool
	out     command.Output
	err     error
	gotPath string
	gotArgs []string
}

func (s *stubRunner) LookPath(file string) (string, error) {
	if s.missing {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/local/bin/" + file, nil
}

func (s *stubRunner) Run(_ context.Context, path string, args []string) (command.Output, error) {
	s.gotPath = path
	s.gotArgs = args
	return s.out, s.err
}

func TestWkhtmltopdfArgs(t *testing.T) {
	runner := &stubRunner{}
	tool := NewWkhtmltopdf("", runner, nil)

	require.NoError(t, tool.Convert(context.Background(), "in.html", "out.pdf"))
	assert.Equal(t, convert.EngineWkhtmltopdf, tool.Name())
	assert.Equal(t, "/usr/local/bin/wkhtmltopdf", runner.gotPath)
	assert.Equal(t, []string{
		"--enable-local-file-access",
		"--print-media-type",
		"--no-stop-slow-scripts",
		"--javascript-delay", "2000",
		"in.html",
		"out.pdf",
	}, runner.gotArgs)
}

func TestWeasyprintArgs(t *testing.T) {
	runner := &stubRunner{}
	tool := NewWeasyprint("/opt/weasyprint", runner, nil)

	require.NoError(t, tool.Convert(context.Background(), "in.html", "out.pdf"))
	assert.Equal(t, convert.EngineWeasyprint, tool.Name())
	assert.Equal(t, "/usr/local/bin//opt/weasyprint", runner.gotPath)
	assert.Equal(t, []string{"in.html", "out.pdf"}, runner.gotArgs)
}

func TestConvertFailures(t *testing.T) {
	tool := NewWeasyprint("", &stubRunner{out: command.Output{ExitCode: 1, Stderr: []byte("bad css\n")}}, nil)
	err := tool.Convert(context.Background(), "in.html", "out.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1: bad css")

	tool = NewWeasyprint("", &stubRunner{err: context.DeadlineExceeded}, nil)
	assert.ErrorIs(t, tool.Convert(context.Background(), "in.html", "out.pdf"), context.DeadlineExceeded)
}

func TestAvailability(t *testing.T) {
	assert.True(t, NewWkhtmltopdf("", &stubRunner{}, nil).Available())

	missing := NewWkhtmltopdf("", &stubRunner{missing: true}, nil)
	assert.False(t, missing.Available())
	assert.Error(t, missing.Convert(context.Background(), "in.html", "out.pdf"))
}
