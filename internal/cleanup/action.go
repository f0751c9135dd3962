// Package cleanup implements the code cleanup applied to documents before
// they are saved.
//
// Action is shared by the save listener and the "clean active document"
// command. Its rule set can be swapped at runtime (config reload); a run
// keeps the set it started with until it finishes.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"go/format"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/cleanup/script"
	"github.com/dshills/tidysave/internal/host"
)

// Outcome labels for the runs counter.
const (
	outcomeChanged   = "changed"
	outcomeUnchanged = "unchanged"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

// compiled is an immutable rule set with its loaded scripts.
type compiled struct {
	rules   Rules
	scripts []*script.Script
}

func (c *compiled) close() {
	for _, s := range c.scripts {
		_ = s.Close()
	}
}

// Action applies cleanup rules to documents.
type Action struct {
	logger  *zap.Logger
	current atomic.Pointer[compiled]
	enabled atomic.Bool

	// swapMu serializes Configure calls.
	swapMu sync.Mutex
	// runMu is held for reading by every run. A replaced set is closed
	// under the write lock, after the runs using it are done.
	runMu sync.RWMutex

	runs *prometheus.CounterVec
}

// Option configures an Action.
type Option func(*Action)

// WithLogger sets the action logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Action) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRegisterer registers the runs counter on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Action) {
		if reg == nil {
			return
		}
		if err := reg.Register(a.runs); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					a.runs = existing
				}
			}
		}
	}
}

// New creates an action with the given rules and loads its scripts.
func New(rules Rules, opts ...Option) (*Action, error) {
	a := &Action{
		logger: zap.NewNop(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidysave",
			Name:      "cleanup_runs_total",
			Help:      "Cleanup runs by save reason and outcome.",
		}, []string{"reason", "outcome"}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("cleanup")

	if err := a.Configure(rules); err != nil {
		return nil, err
	}
	return a, nil
}

// Configure validates rules, loads their scripts and swaps them in.
// The previous scripts are closed once no run holds them. Enabled is reset
// from rules.
func (a *Action) Configure(rules Rules) error {
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("invalid cleanup rules: %w", err)
	}

	c := &compiled{rules: rules}
	for _, path := range rules.Scripts {
		s, err := script.Load(path,
			script.WithTimeout(rules.ScriptTimeout),
			script.WithLogger(a.logger),
		)
		if err != nil {
			c.close()
			return err
		}
		c.scripts = append(c.scripts, s)
	}

	a.swapMu.Lock()
	old := a.current.Swap(c)
	a.enabled.Store(rules.Enabled)
	a.swapMu.Unlock()

	if old != nil {
		a.runMu.Lock()
		old.close()
		a.runMu.Unlock()
	}

	a.logger.Info("rules configured",
		zap.Bool("enabled", rules.Enabled),
		zap.Int("scripts", len(c.scripts)),
		zap.Strings("extensions", rules.Extensions),
	)
	return nil
}

// Rules returns the active rule set.
func (a *Action) Rules() Rules {
	return a.current.Load().rules
}

// Enabled reports whether cleanup on save is on.
func (a *Action) Enabled() bool {
	return a.enabled.Load()
}

// SetEnabled turns cleanup on save on or off.
func (a *Action) SetEnabled(on bool) {
	a.enabled.Store(on)
}

// Toggle flips Enabled and returns the new value.
func (a *Action) Toggle() bool {
	for {
		old := a.enabled.Load()
		if a.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Apply cleans doc in place. It is the before-save handler: it must not
// block for long because it runs on the host's save path.
func (a *Action) Apply(ctx context.Context, doc host.Document, sc host.SaveContext) error {
	if doc == nil {
		return nil
	}
	reason := sc.Reason.String()

	a.runMu.RLock()
	defer a.runMu.RUnlock()

	c := a.current.Load()
	if !a.Enabled() || !c.rules.Matches(doc.Path()) {
		a.runs.WithLabelValues(reason, outcomeSkipped).Inc()
		return nil
	}

	original := doc.Text()
	cleaned, err := a.clean(ctx, c, doc.Path(), original, sc)
	if cleaned != original {
		doc.SetText(cleaned)
	}

	switch {
	case err != nil:
		a.runs.WithLabelValues(reason, outcomeError).Inc()
	case cleaned != original:
		a.runs.WithLabelValues(reason, outcomeChanged).Inc()
	default:
		a.runs.WithLabelValues(reason, outcomeUnchanged).Inc()
	}

	a.logger.Debug("document cleaned",
		zap.String("path", doc.Path()),
		zap.Stringer("reason", sc.Reason),
		zap.Bool("changed", cleaned != original),
	)
	return err
}

// Clean returns text cleaned with the active rules, ignoring Enabled.
func (a *Action) Clean(ctx context.Context, path, text string, sc host.SaveContext) (string, error) {
	a.runMu.RLock()
	defer a.runMu.RUnlock()
	return a.clean(ctx, a.current.Load(), path, text, sc)
}

// clean runs scripts, whitespace rules and the Go formatter in that order.
// A failing step is reported but the text from the steps that succeeded is
// still returned.
func (a *Action) clean(ctx context.Context, c *compiled, path, text string, sc host.SaveContext) (string, error) {
	var errs []error
	auto := sc.AutoSave()

	if !(auto && c.rules.SkipScriptsOnAutoSave) {
		info := script.Info{Path: path, Ext: filepath.Ext(path), AutoSave: auto}
		for _, s := range c.scripts {
			out, err := s.Run(ctx, text, info)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			text = out
		}
	}

	text = c.rules.applyText(text)

	if c.rules.FormatGo && !auto && strings.EqualFold(filepath.Ext(path), ".go") {
		formatted, err := format.Source([]byte(text))
		if err != nil {
			errs = append(errs, fmt.Errorf("gofmt %s: %w", path, err))
		} else {
			text = string(formatted)
		}
	}

	return text, errors.Join(errs...)
}

// Close releases loaded scripts.
func (a *Action) Close() error {
	a.swapMu.Lock()
	defer a.swapMu.Unlock()
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if c := a.current.Load(); c != nil {
		c.close()
	}
	return nil
}
