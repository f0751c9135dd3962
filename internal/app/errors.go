package app

import (
	"errors"
	"fmt"
)

// Application errors.
var (
	// ErrNotRunning indicates the extension has not been started.
	ErrNotRunning = errors.New("application not running")

	// ErrChangesNeeded is returned in check mode when at least one file
	// would be rewritten.
	ErrChangesNeeded = errors.New("files need cleanup")

	// ErrNotRegular indicates a path that is not a regular file.
	ErrNotRegular = errors.New("not a regular file")
)

// OperationError represents an error that occurred during a specific operation.
type OperationError struct {
	Op     string // Operation name (e.g., "clean", "reload")
	Target string // Target of the operation (e.g., file path)
	Err    error  // Underlying error
}

// NewOperationError creates a new OperationError.
func NewOperationError(op, target string, err error) *OperationError {
	return &OperationError{
		Op:     op,
		Target: target,
		Err:    err,
	}
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Op
	if e.Target != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Target)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
