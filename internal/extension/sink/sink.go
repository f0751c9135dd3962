// Package sink is the last-resort fault boundary for extension callbacks.
//
// Every function the extension hands to the host runs on the host's UI
// thread. A panic escaping there takes the whole host down, so each callback
// is wrapped: errors and panics are logged with full detail, counted, and
// swallowed.
package sink

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/host"
)

// ErrCallbackFault marks a failure caught at the callback boundary.
var ErrCallbackFault = errors.New("callback fault")

// FaultError wraps a panic recovered from a callback.
// Error() includes the stack; keep it out of user-facing output.
type FaultError struct {
	Callback string
	Value    any
	Stack    string
}

func (e *FaultError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("%s: panic: %v\n%s", e.Callback, e.Value, e.Stack)
	}
	return fmt.Sprintf("%s: panic: %v", e.Callback, e.Value)
}

// Unwrap lets errors.Is(err, ErrCallbackFault) match.
func (e *FaultError) Unwrap() error {
	return ErrCallbackFault
}

// Sink catches and records callback faults.
type Sink struct {
	logger *zap.Logger
	faults atomic.Int64
	total  *prometheus.CounterVec
}

// Option configures a Sink.
type Option func(*Sink)

// WithRegisterer registers the fault counter on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Sink) {
		if reg == nil {
			return
		}
		if err := reg.Register(s.total); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					s.total = existing
				}
			}
		}
	}
}

// New creates a sink that logs through logger.
func New(logger *zap.Logger, opts ...Option) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		logger: logger.Named("sink"),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tidysave",
			Name:      "callback_faults_total",
			Help:      "Faults caught at the host callback boundary.",
		}, []string{"callback"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wrap runs fn. A returned error or a panic is logged and swallowed.
// Wrap always returns normally.
func (s *Sink) Wrap(callback string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.record(callback, &FaultError{
				Callback: callback,
				Value:    r,
				Stack:    string(debug.Stack()),
			})
		}
	}()

	if err := fn(); err != nil {
		s.record(callback, fmt.Errorf("%s: %w: %w", callback, ErrCallbackFault, err))
	}
}

// Guard returns fn wrapped for handing to the host.
func (s *Sink) Guard(callback string, fn func()) func() {
	return func() {
		s.Wrap(callback, func() error {
			fn()
			return nil
		})
	}
}

// HandleFault is the global UI-thread fault hook. It logs the fault and
// reports it handled so the host keeps running.
func (s *Sink) HandleFault(ev host.FaultEvent) bool {
	s.record("ui-thread", &FaultError{
		Callback: "ui-thread",
		Value:    ev.Value,
		Stack:    ev.Stack,
	})
	return true
}

// Faults returns the number of faults caught so far.
func (s *Sink) Faults() int64 {
	return s.faults.Load()
}

func (s *Sink) record(callback string, err error) {
	s.faults.Add(1)
	s.total.WithLabelValues(callback).Inc()

	var fe *FaultError
	if errors.As(err, &fe) {
		s.logger.Error("callback panicked",
			zap.String("callback", callback),
			zap.Any("panic", fe.Value),
			zap.String("stack", fe.Stack),
		)
		return
	}
	s.logger.Error("callback failed",
		zap.String("callback", callback),
		zap.Error(err),
	)
}
