// Package listener subscribes extension handlers to document save events.
package listener

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/extension/sink"
	"github.com/dshills/tidysave/internal/host"
)

// SaveHandler runs before or after a document is persisted.
type SaveHandler func(ctx context.Context, doc host.Document, sc host.SaveContext) error

// Named pairs a handler with the name used when logging its faults.
type Named struct {
	Name    string
	Handler SaveHandler
}

// Listener holds live save subscriptions on a document table.
type Listener struct {
	docs   host.DocumentTable
	sink   *sink.Sink
	logger *zap.Logger

	before []Named
	after  []Named

	mu       sync.Mutex
	subs     []host.Handle
	disposed atomic.Bool
}

// Option configures a Listener at construction time.
type Option func(*Listener)

// OnBeforeSave attaches a handler to the before-save event. Handlers run in
// attachment order.
func OnBeforeSave(name string, h SaveHandler) Option {
	return func(l *Listener) {
		l.before = append(l.before, Named{Name: name, Handler: h})
	}
}

// OnAfterSave attaches a handler to the after-save event.
func OnAfterSave(name string, h SaveHandler) Option {
	return func(l *Listener) {
		l.after = append(l.after, Named{Name: name, Handler: h})
	}
}

// WithLogger sets the listener logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New subscribes to docs. Handlers are fixed once New returns.
func New(docs host.DocumentTable, s *sink.Sink, opts ...Option) *Listener {
	l := &Listener{
		docs:   docs,
		sink:   s,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("listener")
	if l.sink == nil {
		l.sink = sink.New(l.logger)
	}

	// Drop whatever got subscribed if the table panics part way.
	defer func() {
		if r := recover(); r != nil {
			l.Dispose()
			panic(r)
		}
	}()

	l.subs = append(l.subs, docs.SubscribeBeforeSave(l.beforeSave))
	if len(l.after) > 0 {
		l.subs = append(l.subs, docs.SubscribeAfterSave(l.afterSave))
	}

	l.logger.Debug("subscribed",
		zap.Int("before", len(l.before)),
		zap.Int("after", len(l.after)),
	)
	return l
}

// beforeSave runs every before-save handler. A failing handler is recorded
// by the sink and the chain continues; the save is never blocked.
func (l *Listener) beforeSave(ev host.SaveEvent) {
	l.dispatch("before-save", l.before, ev)
}

func (l *Listener) afterSave(ev host.SaveEvent) {
	l.dispatch("after-save", l.after, ev)
}

func (l *Listener) dispatch(event string, handlers []Named, ev host.SaveEvent) {
	ctx := ev.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, h := range handlers {
		// The host may still be delivering an event that started before
		// Dispose; drop it.
		if l.disposed.Load() {
			return
		}
		handler := h.Handler
		l.sink.Wrap(event+":"+h.Name, func() error {
			return handler(ctx, ev.Document, ev.Save)
		})
	}
}

// Disposed reports whether Dispose has been called.
func (l *Listener) Disposed() bool {
	return l.disposed.Load()
}

// Dispose unsubscribes from the document table. Safe to call repeatedly.
func (l *Listener) Dispose() {
	if !l.disposed.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, h := range subs {
		l.docs.Unsubscribe(h)
	}
	l.logger.Debug("disposed")
}
