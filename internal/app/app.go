// Package app runs tidysave in-process. It wires the configuration, logger,
// metrics registry, cleanup action, reference host and extension together
// and drives the clean and watch workflows.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/cleanup"
	"github.com/dshills/tidysave/internal/config"
	"github.com/dshills/tidysave/internal/config/watcher"
	"github.com/dshills/tidysave/internal/extension"
	"github.com/dshills/tidysave/internal/host"
	"github.com/dshills/tidysave/internal/host/local"
	"github.com/dshills/tidysave/internal/logging"
)

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file. Empty uses the
	// defaults and the environment only.
	ConfigPath string

	// LogLevel overrides the configured log level when set.
	LogLevel string

	// Check computes cleanups without writing any file.
	Check bool

	// Logger replaces the logger built from the configuration.
	Logger *zap.Logger

	// Env replaces the process environment for configuration. Nil reads
	// os.Environ.
	Env []string
}

// Result is the outcome of cleaning one file.
type Result struct {
	Path    string
	Changed bool
	Err     error
}

// Application owns one host and one extension session.
type Application struct {
	opts Options

	logger     *zap.Logger
	ownsLogger bool
	registry   *prometheus.Registry
	action     *cleanup.Action
	host       *local.Host
	ext        *extension.Extension

	mu  sync.Mutex
	cfg config.Config
	// written is the last text persisted per path. Watch uses it to ignore
	// the events caused by its own writes.
	written map[string]string

	running  atomic.Bool
	shutdown sync.Once
}

// New creates a new Application with the given options.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts:     opts,
		registry: prometheus.NewRegistry(),
		written:  make(map[string]string),
	}

	if err := app.bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// bootstrap initializes all components in dependency order.
func (app *Application) bootstrap() error {
	// 1. Configuration
	cfg, err := app.loadConfig()
	if err != nil {
		return NewOperationError("load config", app.opts.ConfigPath, err)
	}
	app.cfg = cfg

	// 2. Logger
	if app.opts.Logger != nil {
		app.logger = app.opts.Logger
	} else {
		logger, err := logging.New(logging.Config{
			Level:       cfg.Log.Level,
			Format:      cfg.Log.Format,
			Development: cfg.Log.Development,
		})
		if err != nil {
			return err
		}
		app.logger = logger
		app.ownsLogger = true
	}

	// 3. Metrics
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 4. Cleanup action shared by the save listener and the commands
	action, err := cleanup.New(cfg.Rules(),
		cleanup.WithLogger(app.logger),
		cleanup.WithRegisterer(app.registry),
	)
	if err != nil {
		app.closeLogger()
		return NewOperationError("load cleanup rules", app.opts.ConfigPath, err)
	}
	app.action = action

	// 5. Host
	app.host = local.New(
		local.WithLogger(app.logger.Named("host")),
		local.WithPersister(app.persist),
	)
	app.host.PublishAll()

	// 6. Extension
	app.ext = extension.New(app.host, action,
		extension.WithLogger(app.logger),
		extension.WithRegisterer(app.registry),
		extension.WithServiceRetries(cfg.Extension.ServiceRetries),
		extension.WithServiceRetryInterval(cfg.Extension.ServiceRetryInterval.Duration),
	)

	return nil
}

func (app *Application) loadConfig() (config.Config, error) {
	cfg, err := config.LoadWith(config.Options{
		Path: app.opts.ConfigPath,
		Env:  app.opts.Env,
	})
	if err != nil {
		return cfg, err
	}
	if app.opts.LogLevel != "" {
		cfg.Log.Level = app.opts.LogLevel
	}
	return cfg, nil
}

// Start loads the extension into the host and signals shell ready, so
// saves run cleanup from then on.
func (app *Application) Start(ctx context.Context) error {
	if app.running.Load() {
		return nil
	}
	if err := app.ext.Start(ctx); err != nil {
		return NewOperationError("start", "", err)
	}
	if err := app.host.Shell().SignalShellReady(ctx); err != nil {
		_ = app.ext.Stop()
		return NewOperationError("start", "", err)
	}
	app.running.Store(true)
	return nil
}

// Clean opens and saves each path with the given reason. The returned
// error joins the per-file errors; in check mode it wraps ErrChangesNeeded
// when any file would change.
func (app *Application) Clean(ctx context.Context, paths []string, reason host.SaveReason) ([]Result, error) {
	if !app.running.Load() {
		return nil, ErrNotRunning
	}

	results := make([]Result, 0, len(paths))
	var errs []error
	changed := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r := app.cleanFile(ctx, p, reason)
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		if r.Changed {
			changed++
		}
		results = append(results, r)
	}

	if err := errors.Join(errs...); err != nil {
		return results, err
	}
	if app.opts.Check && changed > 0 {
		return results, fmt.Errorf("%d of %d: %w", changed, len(paths), ErrChangesNeeded)
	}
	return results, nil
}

// cleanFile saves one file through the host so the before-save listener
// cleans it.
func (app *Application) cleanFile(ctx context.Context, path string, reason host.SaveReason) Result {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{Path: path, Err: NewOperationError("clean", path, err)}
	}
	r := Result{Path: abs}

	info, err := os.Stat(abs)
	if err != nil {
		r.Err = NewOperationError("clean", abs, err)
		return r
	}
	if !info.Mode().IsRegular() {
		r.Err = NewOperationError("clean", abs, ErrNotRegular)
		return r
	}

	docs := app.host.Documents()
	// Reload opens the file, or re-reads it when a previous pass left it open.
	doc, err := docs.Reload(abs)
	if err != nil {
		r.Err = NewOperationError("clean", abs, err)
		return r
	}
	original := doc.Text()

	if err := docs.Save(ctx, abs, reason); err != nil {
		r.Err = NewOperationError("clean", abs, err)
		return r
	}

	app.mu.Lock()
	written := app.written[abs]
	app.mu.Unlock()
	r.Changed = written != original

	if r.Changed {
		app.logger.Info("file cleaned",
			zap.String("path", abs),
			zap.Stringer("reason", reason),
			zap.Bool("check", app.opts.Check),
		)
	} else {
		app.logger.Debug("file already clean", zap.String("path", abs))
	}
	return r
}

// persist is the host persister. It skips the write when the file already
// holds text, and never writes in check mode.
func (app *Application) persist(path, text string) error {
	app.mu.Lock()
	app.written[path] = text
	app.mu.Unlock()

	if app.opts.Check {
		return nil
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
		if cur, err := os.ReadFile(path); err == nil && string(cur) == text {
			return nil
		}
	}
	return os.WriteFile(path, []byte(text), mode)
}

// Watch cleans files under dir as they change, with an auto-save reason,
// and reloads the configuration when its file changes. It blocks until
// ctx is cancelled.
func (app *Application) Watch(ctx context.Context, dir string) error {
	if !app.running.Load() {
		return ErrNotRunning
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return NewOperationError("watch", dir, err)
	}

	cfg := app.Config()
	w, err := watcher.New(
		watcher.WithDebounce(cfg.Watch.Debounce.Duration),
		watcher.WithIgnore(cfg.Watch.Ignore...),
		watcher.WithLogger(app.logger),
	)
	if err != nil {
		return NewOperationError("watch", root, err)
	}
	defer w.Stop()

	if err := w.WatchRecursive(root); err != nil {
		return NewOperationError("watch", root, err)
	}

	var configPath string
	if app.opts.ConfigPath != "" {
		configPath, _ = filepath.Abs(app.opts.ConfigPath)
		if err := w.Watch(configPath); err != nil {
			app.logger.Warn("config file not watched",
				zap.String("path", configPath),
				zap.Error(err),
			)
			configPath = ""
		}
	}

	events := make(chan watcher.Event, 64)
	w.OnChange(func(ev watcher.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})

	if err := w.Start(); err != nil {
		return NewOperationError("watch", root, err)
	}
	app.logger.Info("watching",
		zap.String("dir", root),
		zap.Int("dirs", len(w.WatchedPaths())),
		zap.String("config", configPath),
	)

	for {
		select {
		case <-ctx.Done():
			app.logger.Info("watch stopped")
			return nil
		case ev := <-events:
			if configPath != "" && ev.Path == configPath {
				if ev.Op == watcher.OpRemove {
					continue
				}
				if err := app.Reload(); err != nil {
					app.logger.Warn("config reload failed, keeping previous rules", zap.Error(err))
				}
				continue
			}
			app.handleChange(ctx, ev)
		}
	}
}

// handleChange cleans a changed file unless the change is our own write.
func (app *Application) handleChange(ctx context.Context, ev watcher.Event) {
	if ev.Op == watcher.OpRemove || ev.Op == watcher.OpRename {
		return
	}
	if !app.action.Rules().Matches(ev.Path) {
		return
	}

	data, err := os.ReadFile(ev.Path)
	if err != nil {
		// Directories and files removed since the event land here.
		return
	}

	app.mu.Lock()
	last, ok := app.written[ev.Path]
	app.mu.Unlock()
	if ok && last == string(data) {
		app.logger.Debug("ignoring own write", zap.String("path", ev.Path))
		return
	}

	if r := app.cleanFile(ctx, ev.Path, host.SaveAuto); r.Err != nil {
		app.logger.Warn("auto-save cleanup failed", zap.Error(r.Err))
	}
}

// Reload re-reads the configuration and swaps in the new cleanup rules.
// On error the previous rules stay active. Watch settings are read once
// by Watch and need a restart.
func (app *Application) Reload() error {
	cfg, err := app.loadConfig()
	if err != nil {
		return NewOperationError("reload", app.opts.ConfigPath, err)
	}
	if err := app.action.Configure(cfg.Rules()); err != nil {
		return NewOperationError("reload", app.opts.ConfigPath, err)
	}

	app.mu.Lock()
	app.cfg = cfg
	app.mu.Unlock()

	app.logger.Info("configuration reloaded", zap.String("path", app.opts.ConfigPath))
	return nil
}

// MetricsHandler serves the application registry in the Prometheus text
// format.
func (app *Application) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry})
}

// ServeMetrics serves /metrics on addr until ctx is cancelled.
func (app *Application) ServeMetrics(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return NewOperationError("serve metrics", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.MetricsHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return NewOperationError("serve metrics", addr, err)
	}
}

// Shutdown stops the extension and the host. Safe to call repeatedly.
func (app *Application) Shutdown() {
	app.shutdown.Do(func() {
		app.running.Store(false)
		_ = app.ext.Stop()
		_ = app.host.Close()
		_ = app.action.Close()
		app.closeLogger()
	})
}

func (app *Application) closeLogger() {
	if app.ownsLogger {
		_ = app.logger.Sync()
	}
}

// Config returns the active configuration.
func (app *Application) Config() config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

// Logger returns the application logger.
func (app *Application) Logger() *zap.Logger {
	return app.logger
}

// Registry returns the metrics registry.
func (app *Application) Registry() *prometheus.Registry {
	return app.registry
}

// Extension returns the extension session.
func (app *Application) Extension() *extension.Extension {
	return app.ext
}
