// Package config provides tidysave configuration.
//
// Configuration is layered: built-in defaults, then a TOML file, then
// TIDYSAVE_ environment variables. The merged result is decoded into Config
// and validated.
//
//	[log]
//	level = "info"
//
//	[extension]
//	service_retries = 5
//	service_retry_interval = "50ms"
//
//	[cleanup]
//	trim_trailing_whitespace = true
//	line_endings = "lf"
//	extensions = [".go", ".md"]
//
//	[scripts]
//	paths = ["~/.config/tidysave/imports.lua"]
//	execution_timeout = "2s"
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/tidysave/internal/cleanup"
	"github.com/dshills/tidysave/internal/config/loader"
)

// DefaultFileName is the config file looked up when none is given.
const DefaultFileName = "tidysave.toml"

// Config is the complete tidysave configuration.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Extension ExtensionConfig `toml:"extension"`
	Cleanup   CleanupConfig   `toml:"cleanup"`
	Scripts   ScriptsConfig   `toml:"scripts"`
	Watch     WatchConfig     `toml:"watch"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"` // "json" or "console"
	Development bool   `toml:"development"`
}

// ExtensionConfig tunes the extension lifecycle.
type ExtensionConfig struct {
	ServiceRetries       int      `toml:"service_retries"`
	ServiceRetryInterval Duration `toml:"service_retry_interval"`
}

// CleanupConfig holds the built-in cleanup rules.
type CleanupConfig struct {
	Enabled                bool     `toml:"enabled"`
	TrimTrailingWhitespace bool     `toml:"trim_trailing_whitespace"`
	EnsureFinalNewline     bool     `toml:"ensure_final_newline"`
	LineEndings            string   `toml:"line_endings"`
	ExpandTabs             bool     `toml:"expand_tabs"`
	TabWidth               int      `toml:"tab_width"`
	MaxBlankLines          int      `toml:"max_blank_lines"`
	FormatGo               bool     `toml:"format_go"`
	Extensions             []string `toml:"extensions"`
}

// ScriptsConfig configures Lua cleanup scripts.
type ScriptsConfig struct {
	Paths                 []string `toml:"paths"`
	ExecutionTimeout      Duration `toml:"execution_timeout"`
	SkipScriptsOnAutoSave bool     `toml:"skip_on_autosave"`
}

// WatchConfig configures "tidysave watch".
type WatchConfig struct {
	Debounce    Duration `toml:"debounce"`
	MetricsAddr string   `toml:"metrics_addr"`
	Ignore      []string `toml:"ignore"`
}

// Duration is a time.Duration written as a string ("250ms") in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	rules := cleanup.DefaultRules()
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Extension: ExtensionConfig{
			ServiceRetries:       5,
			ServiceRetryInterval: Duration{50 * time.Millisecond},
		},
		Cleanup: CleanupConfig{
			Enabled:                rules.Enabled,
			TrimTrailingWhitespace: rules.TrimTrailingWhitespace,
			EnsureFinalNewline:     rules.EnsureFinalNewline,
			LineEndings:            rules.LineEndings,
			ExpandTabs:             rules.ExpandTabs,
			TabWidth:               rules.TabWidth,
			MaxBlankLines:          rules.MaxBlankLines,
			FormatGo:               rules.FormatGo,
		},
		Scripts: ScriptsConfig{
			ExecutionTimeout:      Duration{rules.ScriptTimeout},
			SkipScriptsOnAutoSave: rules.SkipScriptsOnAutoSave,
		},
		Watch: WatchConfig{
			Debounce: Duration{200 * time.Millisecond},
			Ignore:   []string{".git", "node_modules", "vendor"},
		},
	}
}

// Options controls where Load reads from.
type Options struct {
	// Path is the TOML file. Empty skips the file layer.
	Path string
	// FS overrides the file system (tests).
	FS loader.FileSystem
	// Env overrides the process environment (tests). Nil reads os.Environ.
	Env []string
	// EnvPrefix defaults to loader.DefaultEnvPrefix.
	EnvPrefix string
}

// Load builds the configuration from defaults, the file at path and the
// process environment.
func Load(path string) (Config, error) {
	return LoadWith(Options{Path: path})
}

// LoadWith builds the configuration from the given sources.
func LoadWith(opts Options) (Config, error) {
	cfg := Default()

	fsys := opts.FS
	if fsys == nil {
		fsys = loader.DefaultFS()
	}
	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = loader.DefaultEnvPrefix
	}

	fileMap, err := loader.NewTOMLLoaderWithFS(fsys, opts.Path).Load()
	if err != nil {
		return cfg, err
	}

	var env *loader.EnvLoader
	if opts.Env != nil {
		env = loader.NewEnvLoaderFrom(prefix, opts.Env)
	} else {
		env = loader.NewEnvLoader(prefix)
	}
	envMap, err := env.Load()
	if err != nil {
		return cfg, err
	}

	merged := loader.DeepMerge(fileMap, envMap)
	if err := decode(merged, &cfg); err != nil {
		source := opts.Path
		if source == "" {
			source = "environment"
		}
		return cfg, &loader.ParseError{Path: source, Message: err.Error(), Err: err}
	}

	cfg.Scripts.Paths = resolvePaths(opts.Path, cfg.Scripts.Paths)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decode writes the merged map over cfg. Keys absent from m keep their
// default values. Unknown keys are an error.
func decode(m map[string]any, cfg *Config) error {
	if len(m) == 0 {
		return nil
	}
	data, err := toml.Marshal(m)
	if err != nil {
		return err
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return fmt.Errorf("unknown keys: %s", sme.String())
		}
		return err
	}
	return nil
}

// resolvePaths expands ~ and makes script paths relative to the config file.
func resolvePaths(configPath string, paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	base := ""
	if configPath != "" {
		base = filepath.Dir(configPath)
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, p)
		}
		out = append(out, p)
	}
	return out
}

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &ValidationError{Key: "log.level", Value: c.Log.Level, Message: "must be debug, info, warn or error"})
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, &ValidationError{Key: "log.format", Value: c.Log.Format, Message: "must be json or console"})
	}
	if c.Extension.ServiceRetries < 0 {
		errs = append(errs, &ValidationError{Key: "extension.service_retries", Value: c.Extension.ServiceRetries, Message: "must not be negative"})
	}
	if c.Extension.ServiceRetryInterval.Duration < 0 {
		errs = append(errs, &ValidationError{Key: "extension.service_retry_interval", Value: c.Extension.ServiceRetryInterval, Message: "must not be negative"})
	}
	if c.Scripts.ExecutionTimeout.Duration <= 0 {
		errs = append(errs, &ValidationError{Key: "scripts.execution_timeout", Value: c.Scripts.ExecutionTimeout, Message: "must be positive"})
	}
	if c.Watch.Debounce.Duration < 0 {
		errs = append(errs, &ValidationError{Key: "watch.debounce", Value: c.Watch.Debounce, Message: "must not be negative"})
	}
	if err := c.Rules().Validate(); err != nil {
		errs = append(errs, &ValidationError{Key: "cleanup", Message: err.Error(), Err: err})
	}

	return errors.Join(errs...)
}

// Rules converts the cleanup and scripts sections to a cleanup rule set.
func (c Config) Rules() cleanup.Rules {
	return cleanup.Rules{
		Enabled:                c.Cleanup.Enabled,
		TrimTrailingWhitespace: c.Cleanup.TrimTrailingWhitespace,
		EnsureFinalNewline:     c.Cleanup.EnsureFinalNewline,
		LineEndings:            strings.ToLower(c.Cleanup.LineEndings),
		ExpandTabs:             c.Cleanup.ExpandTabs,
		TabWidth:               c.Cleanup.TabWidth,
		MaxBlankLines:          c.Cleanup.MaxBlankLines,
		FormatGo:               c.Cleanup.FormatGo,
		Extensions:             c.Cleanup.Extensions,
		Scripts:                c.Scripts.Paths,
		SkipScriptsOnAutoSave:  c.Scripts.SkipScriptsOnAutoSave,
		ScriptTimeout:          c.Scripts.ExecutionTimeout.Duration,
	}
}

// Marshal renders the configuration as TOML.
func (c Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
