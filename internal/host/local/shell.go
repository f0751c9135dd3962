package local

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/host"
)

// Shell delivers shell lifecycle events.
type Shell struct {
	h *Host

	mu    sync.RWMutex
	ready bool

	readySubs subscriptions[func()]
	faultSubs subscriptions[func(host.FaultEvent) bool]
}

func newShell(h *Host) *Shell {
	return &Shell{h: h}
}

// Ready reports whether the shell-ready event has been signalled.
func (s *Shell) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// SubscribeShellReady registers fn. If the shell is already ready, the event
// is replayed to fn on the calling goroutine before SubscribeShellReady
// returns.
func (s *Shell) SubscribeShellReady(fn func()) host.Handle {
	h := s.readySubs.add(fn)
	if s.Ready() {
		fn()
	}
	return h
}

// SubscribeFault registers a last-resort fault handler.
func (s *Shell) SubscribeFault(fn func(host.FaultEvent) bool) host.Handle {
	return s.faultSubs.add(fn)
}

// Unsubscribe removes a ready or fault subscription.
func (s *Shell) Unsubscribe(h host.Handle) bool {
	if s.readySubs.remove(h) {
		return true
	}
	return s.faultSubs.remove(h)
}

// ReadySubscribers returns the number of live shell-ready subscriptions.
func (s *Shell) ReadySubscribers() int {
	return s.readySubs.len()
}

// FaultSubscribers returns the number of live fault subscriptions.
func (s *Shell) FaultSubscribers() int {
	return s.faultSubs.len()
}

// SignalShellReady marks the shell ready and delivers the event on the UI
// thread to every current subscriber. Calling it again delivers the event
// again, as a chattering host would.
func (s *Shell) SignalShellReady(ctx context.Context) error {
	return s.h.Invoke(ctx, func() {
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()

		s.h.logger.Debug("shell ready")

		for _, sub := range s.readySubs.snapshot() {
			if !s.readySubs.has(sub.handle) {
				continue
			}
			if err := s.h.protect(sub.fn); err != nil {
				return
			}
		}
	})
}

// deliverFault offers ev to the fault handlers. A handler that panics is
// treated as not having handled the fault.
func (s *Shell) deliverFault(ev host.FaultEvent) bool {
	handled := false
	for _, sub := range s.faultSubs.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.h.logger.Error("fault handler panicked", zap.Any("panic", r))
				}
			}()
			if sub.fn(ev) {
				handled = true
			}
		}()
	}
	return handled
}

var _ host.Shell = (*Shell)(nil)
