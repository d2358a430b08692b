// Package cli wraps command-line HTML to PDF converters.
package cli

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/convert"
	"github.com/JakeFAU/robustfetch/internal/fetcher/command"
)

// Tool is a converter implemented by an external program.
type Tool struct {
	name   string
	binary string
	args   func(htmlPath, pdfPath string) []string
	runner command.Runner
	logger *zap.Logger
}

// NewWkhtmltopdf builds the wkhtmltopdf converter. An empty binary uses
// "wkhtmltopdf" from PATH; a nil runner uses command.ExecRunner.
func NewWkhtmltopdf(binary string, runner command.Runner, logger *zap.Logger) *Tool {
	if binary == "" {
		binary = "wkhtmltopdf"
	}
	return newTool(convert.EngineWkhtmltopdf, binary, func(htmlPath, pdfPath string) []string {
		return []string{
			"--enable-local-file-access",
			"--print-media-type",
			"--no-stop-slow-scripts",
			"--javascript-delay", "2000",
			htmlPath,
			pdfPath,
		}
	}, runner, logger)
}

// NewWeasyprint builds the weasyprint converter.
func NewWeasyprint(binary string, runner command.Runner, logger *zap.Logger) *Tool {
	if binary == "" {
		binary = "weasyprint"
	}
	return newTool(convert.EngineWeasyprint, binary, func(htmlPath, pdfPath string) []string {
		return []string{htmlPath, pdfPath}
	}, runner, logger)
}

func newTool(name, binary string, args func(string, string) []string, runner command.Runner, logger *zap.Logger) *Tool {
	if runner == nil {
		runner = command.ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{name: name, binary: binary, args: args, runner: runner, logger: logger}
}

// Name implements convert.Converter.
func (t *Tool) Name() string { return t.name }

// Available reports whether the program is on PATH.
func (t *Tool) Available() bool {
	_, err := t.runner.LookPath(t.binary)
	return err == nil
}

// Convert runs the program and fails on a non-zero exit.
func (t *Tool) Convert(ctx context.Context, htmlPath, pdfPath string) error {
	bin, err := t.runner.LookPath(t.binary)
	if err != nil {
		return fmt.Errorf("%s not installed: %w", t.name, err)
	}
	out, err := t.runner.Run(ctx, bin, t.args(htmlPath, pdfPath))
	if err != nil {
		return fmt.Errorf("run %s: %w", t.name, err)
	}
	if out.ExitCode != 0 {
		stderr := strings.TrimSpace(string(out.Stderr))
		t.logger.Debug("converter exited non-zero",
			zap.String("engine", t.name),
			zap.Int("exit_code", out.ExitCode),
			zap.String("stderr", stderr),
		)
		return fmt.Errorf("%s exited with code %d: %s", t.name, out.ExitCode, stderr)
	}
	return nil
}
