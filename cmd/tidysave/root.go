package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/tidysave/internal/app"
	"github.com/dshills/tidysave/internal/config"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "tidysave",
		Short: "Clean documents as they are saved",
		Long: `tidysave loads the clean-on-save extension into an in-process host and
saves files through it, so every save runs the configured cleanup rules
and Lua scripts first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.validate()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to configuration file (default ./"+config.DefaultFileName+" if present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newCleanCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func (o *rootOptions) validate() error {
	switch o.logLevel {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", o.logLevel)
	}
}

// resolveConfigPath returns the --config value, or the default file in the
// working directory when it exists.
func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	// Any error other than a missing file is reported by the loader.
	if _, err := os.Stat(config.DefaultFileName); !errors.Is(err, os.ErrNotExist) {
		return config.DefaultFileName
	}
	return ""
}

func (o *rootOptions) newApp(check bool) (*app.Application, error) {
	return app.New(app.Options{
		ConfigPath: o.resolveConfigPath(),
		LogLevel:   o.logLevel,
		Check:      check,
	})
}
