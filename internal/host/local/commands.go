package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/tidysave/internal/host"
)

// Commands is the host's command service.
type Commands struct {
	h *Host

	mu    sync.RWMutex
	cmds  map[string]host.Command
	order []string
}

func newCommands(h *Host) *Commands {
	return &Commands{
		h:    h,
		cmds: make(map[string]host.Command),
	}
}

// RegisterCommand binds cmd. It returns false if the ID is already bound.
func (c *Commands) RegisterCommand(cmd host.Command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd.ID == "" || cmd.Handler == nil {
		return false
	}
	if _, exists := c.cmds[cmd.ID]; exists {
		return false
	}
	c.cmds[cmd.ID] = cmd
	c.order = append(c.order, cmd.ID)
	return true
}

// UnregisterCommand removes a command.
func (c *Commands) UnregisterCommand(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.cmds[id]; !exists {
		return false
	}
	delete(c.cmds, id)
	for i, name := range c.order {
		if name == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports whether id is bound.
func (c *Commands) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.cmds[id]
	return ok
}

// List returns bound command IDs in registration order.
func (c *Commands) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.order...)
}

// Execute runs a command on the UI thread and returns its error.
func (c *Commands) Execute(ctx context.Context, id string, args map[string]any) error {
	c.mu.RLock()
	cmd, ok := c.cmds[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownCommand)
	}

	var cmdErr error
	err := c.h.Invoke(ctx, func() {
		if perr := c.h.protect(func() { cmdErr = cmd.Handler(ctx, args) }); perr != nil {
			cmdErr = perr
		}
	})
	if err != nil {
		return err
	}
	return cmdErr
}

var _ host.CommandService = (*Commands)(nil)
