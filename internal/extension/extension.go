// Package extension wires tidysave into a host.
//
// Extension is the lifecycle orchestrator. Start hops to the host UI thread,
// acquires the command service, the document table and the shell, binds
// the tidysave commands and arms a gate on the shell-ready event. When the
// shell is ready the save listener is attached with the shared cleanup
// action. Stop tears all of that down, whatever state Start reached.
//
// The session mutex is never held across a host call: the host may deliver
// events synchronously (a replayed shell-ready during Arm, for example),
// and those callbacks take the mutex themselves.
package extension

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/cleanup"
	"github.com/dshills/tidysave/internal/extension/command"
	"github.com/dshills/tidysave/internal/extension/gate"
	"github.com/dshills/tidysave/internal/extension/listener"
	"github.com/dshills/tidysave/internal/extension/sink"
	"github.com/dshills/tidysave/internal/host"
)

// Phase is the lifecycle phase of the extension session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopping
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Default retry budget for service acquisition.
const (
	DefaultServiceRetries       = 5
	DefaultServiceRetryInterval = 50 * time.Millisecond
)

// errNotPublished is retried until the budget runs out.
var errNotPublished = errors.New("service not published")

// Extension is the tidysave extension.
type Extension struct {
	services host.Services
	action   *cleanup.Action
	sink     *sink.Sink
	logger   *zap.Logger
	metrics  *metrics

	registerer    prometheus.Registerer
	retries       int
	retryInterval time.Duration

	mu    sync.Mutex
	phase Phase
	// gen identifies the session; callbacks from an older session are
	// ignored.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	inert  bool

	registry    *command.Registry
	status      command.Status
	gate        *gate.Gate
	listener    *listener.Listener
	shell       host.Shell
	docs        host.DocumentTable
	faultHandle host.Handle
}

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the extension logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Extension) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRegisterer registers the extension metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Extension) {
		e.registerer = reg
	}
}

// WithServiceRetries sets how many times a missing service is retried.
func WithServiceRetries(n int) Option {
	return func(e *Extension) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithServiceRetryInterval sets the first retry delay. Later delays grow
// exponentially.
func WithServiceRetryInterval(d time.Duration) Option {
	return func(e *Extension) {
		if d > 0 {
			e.retryInterval = d
		}
	}
}

// New creates an extension for services. action is shared by the save
// listener and the clean command; nil uses the default rules.
func New(services host.Services, action *cleanup.Action, opts ...Option) *Extension {
	e := &Extension{
		services:      services,
		action:        action,
		logger:        zap.NewNop(),
		retries:       DefaultServiceRetries,
		retryInterval: DefaultServiceRetryInterval,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.Named("extension")
	e.sink = sink.New(e.logger, sink.WithRegisterer(e.registerer))
	e.metrics = newMetrics(e.registerer)

	if e.action == nil {
		// The default rules load no scripts, so this cannot fail.
		e.action, _ = cleanup.New(cleanup.DefaultRules(),
			cleanup.WithLogger(e.logger),
			cleanup.WithRegisterer(e.registerer),
		)
	}
	return e
}

// Start loads the extension. It returns an error wrapping ErrStartupAborted
// if ctx is cancelled (or the host goes away) before startup completes;
// every other failure is logged and leaves the extension degraded but
// loaded. Start is a no-op unless the extension is idle.
//
// Start must not be called from the host UI goroutine.
func (e *Extension) Start(ctx context.Context) error {
	e.mu.Lock()
	if phase := e.phase; phase != PhaseIdle {
		e.mu.Unlock()
		e.logger.Debug("start ignored", zap.Stringer("phase", phase))
		return nil
	}
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return aborted(StepUIHop, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.gen++
	gen := e.gen
	e.cancel = cancel
	e.done = done
	e.inert = false
	e.setPhase(PhaseStarting)
	e.mu.Unlock()

	defer close(done)
	defer cancel()

	e.logger.Info("starting")

	var startErr error
	var inert bool
	err := e.services.UIThread().Invoke(runCtx, func() {
		inert, startErr = e.startOnUI(runCtx, gen)
	})
	if err != nil {
		startErr = aborted(StepUIHop, err)
	}

	e.mu.Lock()
	e.cancel = nil
	e.done = nil
	if startErr != nil {
		e.setPhase(PhaseIdle)
		e.mu.Unlock()
		e.logger.Info("startup aborted", zap.Error(startErr))
		return startErr
	}
	e.inert = inert
	e.setPhase(PhaseRunning)
	e.mu.Unlock()

	e.logger.Info("started", zap.Bool("inert", inert))
	return nil
}

// startOnUI runs the startup steps on the host UI thread. It reports
// whether the extension is inert, or an abort error.
func (e *Extension) startOnUI(ctx context.Context, gen uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, aborted(StepUIHop, err)
	}

	commands, docs, shell, err := e.acquire(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, aborted(StepAcquire, ctxErr)
		}
		e.logger.Error("extension inert",
			zap.Error(&StepError{Step: StepAcquire, Err: err}),
		)
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, aborted(StepAcquire, err)
	}

	registry := command.NewRegistry(commands, e.sink, e.logger)
	status, err := registry.RegisterAll(e.commands())
	if err != nil {
		// The registry already warned per command; partial registration
		// still leaves the extension usable.
		e.logger.Info("some commands not bound",
			zap.Error(&StepError{Step: StepRegister, Err: err}),
			zap.Strings("bound", registry.Bound()),
		)
	}
	if err := ctx.Err(); err != nil {
		registry.Release()
		return false, aborted(StepRegister, err)
	}

	g := gate.New(shell, e.logger)
	faultHandle := shell.SubscribeFault(e.sink.HandleFault)

	e.mu.Lock()
	e.registry = registry
	e.status = status
	e.gate = g
	e.shell = shell
	e.docs = docs
	e.faultHandle = faultHandle
	e.metrics.commandsBound.Set(float64(len(registry.Bound())))
	e.mu.Unlock()

	// Arming is last: a replayed shell-ready runs onShellReady right here,
	// after commands are bound.
	if err := g.Arm(e.sink.Guard("shell-ready", func() { e.onShellReady(gen) })); err != nil {
		e.logger.Error("gate not armed", zap.Error(&StepError{Step: StepArm, Err: err}))
	}
	return false, nil
}

// acquire resolves the host services in dependency order. A missing
// command service is not fatal; registration is deferred instead.
func (e *Extension) acquire(ctx context.Context) (host.CommandService, host.DocumentTable, host.Shell, error) {
	var commands host.CommandService
	if v, err := e.getService(ctx, host.ServiceCommands); err == nil {
		commands, _ = v.(host.CommandService)
	} else if ctx.Err() != nil {
		return nil, nil, nil, err
	} else {
		e.logger.Info("command service not available", zap.Error(err))
	}

	v, err := e.getService(ctx, host.ServiceDocuments)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", host.ServiceDocuments, err)
	}
	docs, ok := v.(host.DocumentTable)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%s: unexpected type %T: %w", host.ServiceDocuments, v, ErrServiceUnavailable)
	}

	v, err = e.getService(ctx, host.ServiceShell)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", host.ServiceShell, err)
	}
	shell, ok := v.(host.Shell)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%s: unexpected type %T: %w", host.ServiceShell, v, ErrServiceUnavailable)
	}

	return commands, docs, shell, nil
}

// getService asks the host for kind, retrying with exponential backoff
// while the service is not yet published.
func (e *Extension) getService(ctx context.Context, kind host.ServiceKind) (any, error) {
	var svc any
	op := func() error {
		v, err := e.services.GetService(ctx, kind)
		switch {
		case err != nil && ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, host.ErrHostClosed):
			e.metrics.acquireTries.WithLabelValues(kind.String(), "error").Inc()
			return backoff.Permanent(err)
		case err != nil:
			e.metrics.acquireTries.WithLabelValues(kind.String(), "error").Inc()
			return err
		case isNil(v):
			e.metrics.acquireTries.WithLabelValues(kind.String(), "missing").Inc()
			return errNotPublished
		}
		e.metrics.acquireTries.WithLabelValues(kind.String(), "ok").Inc()
		svc = v
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.retryInterval
	eb.MaxInterval = 20 * e.retryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.retries)), ctx)

	notify := func(err error, next time.Duration) {
		e.logger.Debug("service not ready, retrying",
			zap.Stringer("service", kind),
			zap.Duration("in", next),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if errors.Is(err, errNotPublished) {
			return nil, fmt.Errorf("%w after %d retries", ErrServiceUnavailable, e.retries)
		}
		return nil, err
	}
	return svc, nil
}

// isNil reports whether v is nil or a typed nil pointer.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// onShellReady attaches the save listener. It runs on the thread that
// delivered shell-ready, possibly inside Arm, under the sink's guard.
func (e *Extension) onShellReady(gen uint64) {
	e.mu.Lock()
	if !e.live(gen) || e.listener != nil {
		e.mu.Unlock()
		return
	}
	docs := e.docs
	e.mu.Unlock()

	l := e.newListener(docs)

	e.mu.Lock()
	if !e.live(gen) || e.listener != nil {
		e.mu.Unlock()
		// Stop ran while the listener was being built.
		l.Dispose()
		return
	}
	e.listener = l
	e.mu.Unlock()

	e.logger.Info("shell ready, save listener attached")
}

// newListener subscribes the save handlers to docs. A panic from the
// document table is logged as a failed step and passed on to the sink.
func (e *Extension) newListener(docs host.DocumentTable) *listener.Listener {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("save listener not attached",
				zap.Error(&StepError{Step: StepListen, Err: fmt.Errorf("panic: %v", r)}),
			)
			panic(r)
		}
	}()

	return listener.New(docs, e.sink,
		listener.WithLogger(e.logger),
		listener.OnBeforeSave("cleanup", e.action.Apply),
		listener.OnAfterSave("metrics", e.countSave),
	)
}

// live reports whether gen is the current, not yet stopping session.
// Must be called with mu held.
func (e *Extension) live(gen uint64) bool {
	return e.gen == gen && (e.phase == PhaseStarting || e.phase == PhaseRunning)
}

func (e *Extension) countSave(_ context.Context, _ host.Document, sc host.SaveContext) error {
	e.metrics.saves.WithLabelValues(sc.Reason.String()).Inc()
	return nil
}

// Stop unloads the extension: it cancels an in-flight Start and waits for
// it, then disposes the listener and the gate and releases the commands.
// Stop is idempotent and safe without a prior Start. It must not be called
// from inside a callback the extension handed to the host.
func (e *Extension) Stop() error {
	e.mu.Lock()
	if e.phase == PhaseStarting && e.done != nil {
		cancel, done := e.cancel, e.done
		e.mu.Unlock()
		cancel()
		<-done
		e.mu.Lock()
	}
	if e.phase != PhaseRunning {
		e.mu.Unlock()
		return nil
	}

	e.setPhase(PhaseStopping)
	l, g, registry := e.listener, e.gate, e.registry
	shell, faultHandle := e.shell, e.faultHandle
	e.listener, e.gate, e.registry = nil, nil, nil
	e.shell, e.docs, e.faultHandle = nil, nil, ""
	e.status = command.StatusRegistered
	e.mu.Unlock()

	if l != nil {
		l.Dispose()
	}
	if g != nil {
		g.Dispose()
	}
	if registry != nil {
		registry.Release()
	}
	if shell != nil && faultHandle.Valid() {
		shell.Unsubscribe(faultHandle)
	}

	e.mu.Lock()
	e.inert = false
	e.metrics.commandsBound.Set(0)
	e.setPhase(PhaseIdle)
	e.mu.Unlock()

	e.logger.Info("stopped")
	return nil
}

// setPhase must be called with mu held.
func (e *Extension) setPhase(p Phase) {
	e.phase = p
	e.metrics.phase.Set(float64(p))
}

// Phase returns the current lifecycle phase.
func (e *Extension) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Inert reports whether the last Start ran without the host services it
// needs.
func (e *Extension) Inert() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inert
}

// CommandStatus returns the registration status of the running session.
func (e *Extension) CommandStatus() command.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// BoundCommands returns the command IDs bound by the running session.
func (e *Extension) BoundCommands() []string {
	e.mu.Lock()
	registry := e.registry
	e.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.Bound()
}

// GateState returns the shell-ready gate state, or gate.StateIdle when no
// gate exists.
func (e *Extension) GateState() gate.State {
	e.mu.Lock()
	g := e.gate
	e.mu.Unlock()
	if g == nil {
		return gate.StateIdle
	}
	return g.State()
}

// Listening reports whether the save listener is attached.
func (e *Extension) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener != nil
}

// Action returns the shared cleanup action.
func (e *Extension) Action() *cleanup.Action {
	return e.action
}

// Sink returns the extension's exception sink.
func (e *Extension) Sink() *sink.Sink {
	return e.sink
}
