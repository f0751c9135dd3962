package config

import "fmt"

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Key     string
	Value   any
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("config %s = %v: %s", e.Key, e.Value, e.Message)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
