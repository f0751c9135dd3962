package extension

import (
	"errors"
	"fmt"

	"github.com/dshills/tidysave/internal/extension/command"
	"github.com/dshills/tidysave/internal/extension/sink"
)

// Extension errors.
var (
	// ErrServiceUnavailable indicates a required host service never appeared
	// within the retry budget. The extension stays loaded but inert.
	ErrServiceUnavailable = errors.New("host service unavailable")

	// ErrStartupAborted indicates Start was cancelled before it completed.
	// Nothing from the aborted attempt remains registered.
	ErrStartupAborted = errors.New("startup aborted")

	// ErrNoActiveDocument indicates a command needed an active document and
	// the host had none.
	ErrNoActiveDocument = errors.New("no active document")

	// ErrDuplicateCommand is returned by the command registry for an ID that
	// is already bound.
	ErrDuplicateCommand = command.ErrDuplicateCommand

	// ErrCallbackFault marks errors and panics recovered from callbacks the
	// host dispatched.
	ErrCallbackFault = sink.ErrCallbackFault
)

// Startup steps, used in StepError.
const (
	StepUIHop    = "ui-hop"
	StepAcquire  = "acquire-services"
	StepRegister = "register-commands"
	StepArm      = "arm-gate"
	StepListen   = "attach-listener"
)

// StepError reports the startup step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// aborted wraps err as an aborted startup at step.
func aborted(step string, err error) error {
	return fmt.Errorf("%w: %w", ErrStartupAborted, &StepError{Step: step, Err: err})
}
