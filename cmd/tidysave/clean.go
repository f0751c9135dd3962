package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/tidysave/internal/host"
)

func newCleanCmd(root *rootOptions) *cobra.Command {
	var auto, check bool

	cmd := &cobra.Command{
		Use:   "clean [flags] files...",
		Short: "Save files through the extension, cleaning them",
		Long: `clean opens each file in the host and saves it. The clean-on-save
listener rewrites the text before it is written back. Changed files are
printed one per line.

With --check nothing is written and the exit status is 1 when any file
would change.`,
		Example: `  tidysave clean main.go README.md
  tidysave clean --auto notes.txt
  tidysave clean --check $(git ls-files '*.go')`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.newApp(check)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				return err
			}

			reason := host.SaveExplicit
			if auto {
				reason = host.SaveAuto
			}

			results, err := a.Clean(ctx, args, reason)
			for _, r := range results {
				if r.Err == nil && r.Changed {
					fmt.Fprintln(cmd.OutOrStdout(), r.Path)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&auto, "auto", false, "Save as an auto-save (skips scripts and gofmt)")
	cmd.Flags().BoolVar(&check, "check", false, "Report files that would change without writing them")
	return cmd
}
