// Package local implements an in-process host for tidysave.
//
// Host owns a single UI goroutine that executes all callbacks, a service
// table whose entries can be published one at a time (mirroring a host that
// exposes services incrementally during startup), a shell with a replayed
// ready event, a running document table and a command service.
//
// A panic on the UI goroutine is offered to the subscribed fault handlers.
// When no handler claims it the host is considered crashed: the UI loop
// stops and every later call fails with ErrHostCrashed.
package local

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/host"
)

// Host errors.
var (
	// ErrHostCrashed indicates an unhandled fault took down the UI thread.
	ErrHostCrashed = errors.New("host crashed")

	// ErrUnknownCommand is returned by Execute for an unbound command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrDocumentNotOpen is returned when saving a document that is not open.
	ErrDocumentNotOpen = errors.New("document not open")
)

// Job states.
const (
	jobQueued int32 = iota
	jobRunning
	jobCancelled
)

// job is a unit of UI-thread work.
type job struct {
	fn    func()
	state atomic.Int32
	done  chan struct{}
}

// Persister writes a document's text to its backing store.
type Persister func(path, text string) error

// Host is an in-process host application.
type Host struct {
	mu       sync.RWMutex
	services map[host.ServiceKind]any

	queue    chan *job
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	crashErr atomic.Pointer[error]

	shell    *Shell
	docs     *Documents
	commands *Commands

	logger         *zap.Logger
	serviceLatency time.Duration
	queueSize      int
	persister      Persister
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithServiceLatency delays every GetService call by d.
func WithServiceLatency(d time.Duration) Option {
	return func(h *Host) {
		h.serviceLatency = d
	}
}

// WithQueueSize sets the UI queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithPersister replaces the default file persister.
func WithPersister(p Persister) Option {
	return func(h *Host) {
		if p != nil {
			h.persister = p
		}
	}
}

// New creates a host and starts its UI loop. No services are published.
func New(opts ...Option) *Host {
	h := &Host{
		services:  make(map[host.ServiceKind]any),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		logger:    zap.NewNop(),
		queueSize: 64,
		persister: writeFile,
	}

	for _, opt := range opts {
		opt(h)
	}

	h.queue = make(chan *job, h.queueSize)
	h.shell = newShell(h)
	h.docs = newDocuments(h)
	h.commands = newCommands(h)

	go h.loop()

	return h
}

// Shell returns the host shell.
func (h *Host) Shell() *Shell { return h.shell }

// Documents returns the running document table.
func (h *Host) Documents() *Documents { return h.docs }

// Commands returns the command service.
func (h *Host) Commands() *Commands { return h.commands }

// UIThread returns the host's UI thread.
func (h *Host) UIThread() host.UIThread { return h }

// Publish makes a service available to GetService.
func (h *Host) Publish(kind host.ServiceKind, svc any) {
	h.mu.Lock()
	h.services[kind] = svc
	h.mu.Unlock()

	h.logger.Debug("service published", zap.Stringer("service", kind))
}

// PublishAll publishes the shell, document table and command service.
func (h *Host) PublishAll() {
	h.Publish(host.ServiceShell, h.shell)
	h.Publish(host.ServiceDocuments, h.docs)
	h.Publish(host.ServiceCommands, h.commands)
}

// Withdraw removes a service, as a host does while it tears down.
func (h *Host) Withdraw(kind host.ServiceKind) {
	h.mu.Lock()
	delete(h.services, kind)
	h.mu.Unlock()
}

// GetService returns the published service or nil.
func (h *Host) GetService(ctx context.Context, kind host.ServiceKind) (any, error) {
	if h.serviceLatency > 0 {
		timer := time.NewTimer(h.serviceLatency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := h.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.services[kind], nil
}

// Invoke runs fn on the UI goroutine and waits for it.
// It must not be called from the UI goroutine itself.
func (h *Host) Invoke(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j := &job{fn: fn, done: make(chan struct{})}

	select {
	case h.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopCh:
		return h.closedErr()
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			return ctx.Err()
		}
		<-j.done
		return nil
	case <-h.stopCh:
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			return h.closedErr()
		}
		<-j.done
		return nil
	}
}

// Post queues fn on the UI goroutine without waiting.
func (h *Host) Post(fn func()) error {
	j := &job{fn: fn, done: make(chan struct{})}
	select {
	case h.queue <- j:
		return nil
	case <-h.stopCh:
		return h.closedErr()
	}
}

// Err returns ErrHostCrashed (wrapped) after an unhandled fault.
func (h *Host) Err() error {
	if p := h.crashErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops the UI loop and waits for it to exit.
func (h *Host) Close() error {
	h.stop()
	<-h.loopDone
	return nil
}

// loop executes UI jobs until the host stops.
func (h *Host) loop() {
	defer close(h.loopDone)

	for {
		select {
		case <-h.stopCh:
			return
		case j := <-h.queue:
			h.run(j)
		}
	}
}

// run executes a single job unless it was cancelled while queued.
func (h *Host) run(j *job) {
	if !j.state.CompareAndSwap(jobQueued, jobRunning) {
		return
	}
	defer close(j.done)

	_ = h.protect(j.fn)
}

// protect runs fn and routes a panic through the fault handlers.
// It returns ErrHostCrashed when no handler claimed the fault.
func (h *Host) protect(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ev := host.FaultEvent{Value: r, Stack: string(debug.Stack())}
		if h.shell.deliverFault(ev) {
			return
		}
		err = h.crash(ev)
	}()

	fn()
	return nil
}

// crash records an unhandled fault and stops the UI loop.
func (h *Host) crash(ev host.FaultEvent) error {
	err := fmt.Errorf("%w: unhandled fault: %v", ErrHostCrashed, ev.Value)
	h.crashErr.CompareAndSwap(nil, &err)
	h.logger.Error("unhandled fault on UI thread",
		zap.Any("panic", ev.Value),
		zap.String("stack", ev.Stack),
	)
	h.stop()
	return err
}

func (h *Host) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Host) closedErr() error {
	if err := h.Err(); err != nil {
		return err
	}
	return host.ErrHostClosed
}

var (
	_ host.Services = (*Host)(nil)
	_ host.UIThread = (*Host)(nil)
)
