// Package host defines the surface a host application exposes to tidysave.
//
// The host publishes its services incrementally while it starts up. An
// extension asks for them through Services.GetService and must tolerate a
// nil result: the service may simply not exist yet.
//
// All callbacks an extension hands to the host run on the host's UI thread.
// A panic escaping one of them is a fault in the host's dispatcher, which is
// why extensions wrap every callback before subscribing it.
package host

import (
	"context"
	"errors"
)

// ServiceKind identifies a host service.
type ServiceKind int

// Known host services.
const (
	// ServiceCommands is the command/menu service (CommandService).
	ServiceCommands ServiceKind = iota
	// ServiceDocuments is the running document table (DocumentTable).
	ServiceDocuments
	// ServiceShell is the shell itself (Shell).
	ServiceShell
)

// String returns the service name.
func (k ServiceKind) String() string {
	switch k {
	case ServiceCommands:
		return "commands"
	case ServiceDocuments:
		return "documents"
	case ServiceShell:
		return "shell"
	default:
		return "unknown"
	}
}

// Handle identifies a subscription. The zero value is never issued.
type Handle string

// Valid reports whether h was issued by a host.
func (h Handle) Valid() bool {
	return h != ""
}

// ErrHostClosed is returned when the host's UI thread no longer accepts work.
var ErrHostClosed = errors.New("host closed")

// UIThread runs work on the host's UI-affinity thread.
type UIThread interface {
	// Invoke runs fn on the UI thread and waits for it to return.
	// If ctx is done while fn is still queued, fn never runs and ctx.Err()
	// is returned. Once fn has started Invoke waits for it regardless of ctx.
	Invoke(ctx context.Context, fn func()) error
}

// Services is the host's service locator.
type Services interface {
	// UIThread returns the host's UI thread.
	UIThread() UIThread

	// GetService returns the service of the given kind, or nil with a nil
	// error when the host has not published it yet. It may block and must
	// honor ctx.
	GetService(ctx context.Context, kind ServiceKind) (any, error)
}

// CommandHandler executes a command.
type CommandHandler func(ctx context.Context, args map[string]any) error

// Command is a named action bound to the host's command service.
type Command struct {
	ID      string
	Title   string
	Handler CommandHandler
}

// CommandService binds commands into the host's menus.
type CommandService interface {
	// RegisterCommand binds cmd. It returns false if the ID is taken.
	RegisterCommand(cmd Command) bool

	// UnregisterCommand removes a command. It returns false if unknown.
	UnregisterCommand(id string) bool
}

// Document is an open document in the host.
type Document interface {
	Path() string
	Text() string
	SetText(text string)
}

// SaveReason says why the host is saving.
type SaveReason int

const (
	// SaveExplicit is a save the user asked for.
	SaveExplicit SaveReason = iota
	// SaveAuto is a save the host triggered on its own.
	SaveAuto
)

// String returns the reason name.
func (r SaveReason) String() string {
	switch r {
	case SaveExplicit:
		return "explicit"
	case SaveAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// SaveContext travels with a single save. It replaces any process-wide
// "inside auto-save" state: each save gets its own value.
type SaveContext struct {
	Reason SaveReason
}

// AutoSave reports whether the save was triggered by the host.
func (sc SaveContext) AutoSave() bool {
	return sc.Reason == SaveAuto
}

// SaveEvent is delivered to document table subscribers.
type SaveEvent struct {
	Ctx      context.Context
	Document Document
	Save     SaveContext
}

// DocumentTable is the host's running document table.
type DocumentTable interface {
	// SubscribeBeforeSave registers fn to run synchronously before every
	// save, on the UI thread, in subscription order.
	SubscribeBeforeSave(fn func(SaveEvent)) Handle

	// SubscribeAfterSave registers fn to run after a document was persisted.
	SubscribeAfterSave(fn func(SaveEvent)) Handle

	// Unsubscribe removes a subscription. It is safe to call from inside a
	// delivery of the same event.
	Unsubscribe(h Handle) bool

	// Active returns the active document, or nil.
	Active() Document
}

// FaultEvent describes a panic recovered on the UI thread.
type FaultEvent struct {
	Value any
	Stack string
}

// Shell exposes shell lifecycle events.
type Shell interface {
	// SubscribeShellReady registers fn for the shell-ready event. If the
	// shell is already ready the host may deliver the event immediately,
	// possibly before SubscribeShellReady returns.
	SubscribeShellReady(fn func()) Handle

	// SubscribeFault registers a last-resort fault handler for the UI thread.
	// A handler returns true when it handled the fault.
	SubscribeFault(fn func(FaultEvent) bool) Handle

	// Unsubscribe removes a subscription.
	Unsubscribe(h Handle) bool
}
