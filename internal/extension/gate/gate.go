// Package gate turns the host's shell-ready event into a one-shot latch.
//
// Hosts deliver shell-ready through an ordinary multi-fire event: it may be
// replayed to late subscribers, delivered during the subscribe call itself,
// or repeated. The gate guarantees its callback runs exactly once, and never
// after Dispose.
package gate

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/host"
)

// ErrAlreadyArmed is returned when Arm is called on a gate that is not idle.
var ErrAlreadyArmed = errors.New("gate already armed")

// ErrNoShell is returned when the gate has no shell to subscribe to.
var ErrNoShell = errors.New("shell service unavailable")

// State is the latch state.
type State int

const (
	// StateIdle means Arm has not been called.
	StateIdle State = iota
	// StateArmed means the gate is subscribed and waiting.
	StateArmed
	// StateFired means the callback was delivered.
	StateFired
	// StateDisposed means the gate was disposed before firing.
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFired:
		return "fired"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Gate is a single-fire latch over shell-ready.
type Gate struct {
	shell  host.Shell
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	sub     host.Handle
	onReady func()
}

// New creates an idle gate over shell.
func New(shell host.Shell, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		shell:  shell,
		logger: logger.Named("gate"),
	}
}

// Arm subscribes to shell-ready. onReady runs once, synchronously, on the
// goroutine that delivers the event; that may be the caller of Arm when the
// host replays an event that already happened.
func (g *Gate) Arm(onReady func()) error {
	if g.shell == nil {
		return ErrNoShell
	}

	g.mu.Lock()
	if g.state != StateIdle {
		g.mu.Unlock()
		return ErrAlreadyArmed
	}
	g.state = StateArmed
	g.onReady = onReady
	g.mu.Unlock()

	h := g.shell.SubscribeShellReady(g.fire)

	g.mu.Lock()
	if g.state != StateArmed {
		// Fired during subscribe, or disposed concurrently.
		g.mu.Unlock()
		g.shell.Unsubscribe(h)
		return nil
	}
	g.sub = h
	g.mu.Unlock()

	g.logger.Debug("armed")
	return nil
}

// fire is the shell-ready subscriber.
func (g *Gate) fire() {
	g.mu.Lock()
	if g.state != StateArmed {
		g.mu.Unlock()
		return
	}
	g.state = StateFired
	h := g.sub
	g.sub = ""
	cb := g.onReady
	g.onReady = nil
	g.mu.Unlock()

	if h.Valid() {
		g.shell.Unsubscribe(h)
	}

	g.logger.Debug("fired")
	if cb != nil {
		cb()
	}
}

// Dispose disarms the gate. Before firing it unsubscribes without invoking
// the callback; after firing it does nothing. Safe to call repeatedly.
func (g *Gate) Dispose() {
	g.mu.Lock()
	if g.state != StateArmed {
		g.mu.Unlock()
		return
	}
	g.state = StateDisposed
	h := g.sub
	g.sub = ""
	g.onReady = nil
	g.mu.Unlock()

	if h.Valid() {
		g.shell.Unsubscribe(h)
	}
	g.logger.Debug("disposed before firing")
}

// State returns the current latch state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Fired reports whether the callback has been delivered.
func (g *Gate) Fired() bool {
	return g.State() == StateFired
}
