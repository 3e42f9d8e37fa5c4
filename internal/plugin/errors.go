package plugin

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of plugin error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates the plugin name is not registered.
	ErrCodeNotFound ErrorCode = "PLUGIN_NOT_FOUND"
	// ErrCodeExecution indicates the plugin failed or panicked while running.
	ErrCodeExecution ErrorCode = "PLUGIN_EXECUTION_ERROR"
	// ErrCodeArguments indicates invalid plugin arguments.
	ErrCodeArguments ErrorCode = "PLUGIN_ARGUMENT_ERROR"
	// ErrCodeKind indicates the plugin cannot run the requested task kind.
	ErrCodeKind ErrorCode = "PLUGIN_KIND_MISMATCH"
)

var (
	// ErrPluginNotFound matches every ErrCodeNotFound error with errors.Is.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrPluginExecution matches every ErrCodeExecution error with errors.Is.
	ErrPluginExecution = errors.New("plugin execution failed")
)

// Error represents an error during plugin resolution or execution.
type Error struct {
	Code    ErrorCode
	Plugin  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s %s: %v", e.Code, e.Plugin, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s %s", e.Code, e.Plugin, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match the sentinel of the error's code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrPluginNotFound:
		return e.Code == ErrCodeNotFound
	case ErrPluginExecution:
		return e.Code == ErrCodeExecution
	}
	return false
}

// NewNotFoundError creates an error for an unknown plugin name.
func NewNotFoundError(name string) *Error {
	return &Error{Code: ErrCodeNotFound, Plugin: name, Message: "is not registered"}
}

// NewExecutionError wraps a failure raised by a plugin implementation.
func NewExecutionError(name string, cause error) *Error {
	return &Error{Code: ErrCodeExecution, Plugin: name, Message: "failed", Cause: cause}
}

// NewArgumentError reports invalid arguments.
func NewArgumentError(name, message string) *Error {
	return &Error{Code: ErrCodeArguments, Plugin: name, Message: message}
}

// NewKindError reports a plugin used for the wrong task kind.
func NewKindError(name string, message string) *Error {
	return &Error{Code: ErrCodeKind, Plugin: name, Message: message}
}
