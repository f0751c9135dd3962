package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch [flags] [dir]",
		Short: "Clean files under dir as they change",
		Long: `watch saves every changed file under dir (default ".") through the
extension as an auto-save. Edits to the configuration file are picked up
without a restart.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			a, err := root.newApp(false)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if err := a.Start(cmd.Context()); err != nil {
				return err
			}

			addr := metricsAddr
			if addr == "" {
				addr = a.Config().Watch.MetricsAddr
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return a.Watch(ctx, dir)
			})
			if addr != "" {
				g.Go(func() error {
					return a.ServeMetrics(ctx, addr)
				})
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (overrides watch.metrics_addr)")
	return cmd
}
