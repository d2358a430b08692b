package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/robustfetch/internal/mirror"
)

func newMirrorsCmd() *cobra.Command {
	var resolve string
	cmd := &cobra.Command{
		Use:   "mirrors",
		Short: "Show the mirror table",
		Long: `Prints the configured mirror table as JSON. With --resolve, prints the
normalized URL and the mirror candidates that a fetch of that URL would try.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if resolve == "" {
				if err := enc.Encode(a.Mirrors().Snapshot()); err != nil {
					return fmt.Errorf("write mirrors: %w", err)
				}
				return nil
			}
			r := mirror.NewResolver(a.Mirrors())
			normalized := r.Normalize(resolve)
			out := struct {
				URL        string   `json:"url"`
				Candidates []string `json:"candidates"`
			}{URL: normalized, Candidates: r.Candidates(normalized)}
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write candidates: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&resolve, "resolve", "", "URL to expand into mirror candidates")
	return cmd
}
