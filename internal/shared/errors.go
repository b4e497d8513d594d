package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the mutation target does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a duplicate insert.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotRegistered indicates the command is unknown to the registry.
	ErrNotRegistered = errors.New("command not registered")
	// ErrStorage indicates the underlying store failed.
	ErrStorage = errors.New("storage failure")
	// ErrValidation indicates malformed parameters.
	ErrValidation = errors.New("validation failed")
)

// GenericFailureMessage is shown to end users instead of storage details.
const GenericFailureMessage = "An error occurred while processing your request."

// Error is a user-facing error of one of the sentinel kinds above.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == ErrStorage {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound builds an ErrNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// AlreadyExists builds an ErrAlreadyExists error.
func AlreadyExists(format string, args ...any) error {
	return &Error{Kind: ErrAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

// NotRegistered builds an ErrNotRegistered error for command.
func NotRegistered(command string) error {
	return &Error{Kind: ErrNotRegistered, Message: fmt.Sprintf("Command %s is not registered", command)}
}

// Validation builds an ErrValidation error.
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps a store error. The message names the failed operation.
func Storage(op string, err error) error {
	return &Error{Kind: ErrStorage, Message: "storage: " + op, Err: err}
}

// ReplyMessage returns the text to surface to the requester for err.
func ReplyMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrStorage) {
		return GenericFailureMessage
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return GenericFailureMessage
}
