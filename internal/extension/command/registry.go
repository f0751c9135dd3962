// Package command binds extension commands to the host's command service.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/extension/sink"
	"github.com/dshills/tidysave/internal/host"
)

// ErrDuplicateCommand is returned when a command ID is already bound.
var ErrDuplicateCommand = errors.New("duplicate command")

// Status is the outcome of RegisterAll.
type Status int

const (
	// StatusRegistered means every command was bound.
	StatusRegistered Status = iota
	// StatusDeferred means the command service was not available; nothing
	// was bound and nothing failed.
	StatusDeferred
	// StatusPartial means at least one command was rejected.
	StatusPartial
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusDeferred:
		return "deferred"
	case StatusPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Registry tracks the commands one session bound.
type Registry struct {
	mu      sync.Mutex
	service host.CommandService
	sink    *sink.Sink
	logger  *zap.Logger

	bound []string
	ids   map[string]bool
}

// NewRegistry creates a registry. service may be nil.
func NewRegistry(service host.CommandService, s *sink.Sink, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s == nil {
		s = sink.New(logger)
	}
	return &Registry{
		service: service,
		sink:    s,
		logger:  logger.Named("command"),
		ids:     make(map[string]bool),
	}
}

// RegisterAll binds cmds in order. A nil command service yields
// StatusDeferred. Rejected IDs are logged as warnings and reported through
// the returned error; the remaining commands are still bound.
func (r *Registry) RegisterAll(cmds []host.Command) (Status, error) {
	if r.service == nil {
		r.logger.Info("command service unavailable, registration deferred",
			zap.Int("commands", len(cmds)),
		)
		return StatusDeferred, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, cmd := range cmds {
		if err := r.register(cmd); err != nil {
			r.logger.Warn("command not registered",
				zap.String("command", cmd.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return StatusPartial, errors.Join(errs...)
	}
	return StatusRegistered, nil
}

// register binds a single command. Must be called with mu held.
func (r *Registry) register(cmd host.Command) error {
	if r.ids[cmd.ID] {
		return fmt.Errorf("%q: %w", cmd.ID, ErrDuplicateCommand)
	}

	wrapped := cmd
	handler := cmd.Handler
	id := cmd.ID
	wrapped.Handler = func(ctx context.Context, args map[string]any) error {
		var err error
		r.sink.Wrap("command:"+id, func() error {
			err = handler(ctx, args)
			return err
		})
		return err
	}

	if !r.service.RegisterCommand(wrapped) {
		return fmt.Errorf("%q rejected by host: %w", cmd.ID, ErrDuplicateCommand)
	}

	r.ids[cmd.ID] = true
	r.bound = append(r.bound, cmd.ID)
	r.logger.Debug("command registered", zap.String("command", cmd.ID))
	return nil
}

// Bound returns the IDs bound by this registry, in registration order.
func (r *Registry) Bound() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.bound...)
}

// Release unregisters every command this registry bound and clears the set.
// It is safe to call more than once.
func (r *Registry) Release() {
	r.mu.Lock()
	bound := r.bound
	r.bound = nil
	r.ids = make(map[string]bool)
	r.mu.Unlock()

	if r.service == nil {
		return
	}
	for i := len(bound) - 1; i >= 0; i-- {
		if !r.service.UnregisterCommand(bound[i]) {
			r.logger.Debug("command already gone", zap.String("command", bound[i]))
		}
	}
}
