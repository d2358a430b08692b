package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/robustfetch/internal/convert"
)

func newConvertCmd() *cobra.Command {
	var engine string
	cmd := &cobra.Command{
		Use:   "convert HTML [PDF]",
		Short: "Render a local HTML file to PDF",
		Long: `Renders HTML to PDF with the chosen engine. "auto" tries wkhtmltopdf,
chromium and weasyprint in that order and uses the first that succeeds. The PDF
defaults to the HTML path with a .pdf extension.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			htmlPath := args[0]
			pdfPath := strings.TrimSuffix(htmlPath, filepath.Ext(htmlPath)) + ".pdf"
			if len(args) == 2 {
				pdfPath = args[1]
			}
			a, _, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			used, err := a.Converter().Run(cmd.Context(), htmlPath, pdfPath, engine)
			if err != nil {
				return fmt.Errorf("convert %s: %w", htmlPath, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", pdfPath, used)
			return err
		},
	}
	cmd.Flags().StringVar(&engine, "engine", convert.EngineAuto, "converter: auto, wkhtmltopdf, chromium, weasyprint")
	return cmd
}
