package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeNotFound indicates the key is absent or its newest version is a tombstone
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeUnauthorized indicates a request reached a non-leader without a valid leader token
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	// ErrorTypeInvalidInput indicates invalid input parameters
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
	// ErrorTypeStorage indicates a segment or WAL read/write failure
	ErrorTypeStorage ErrorType = "STORAGE"
	// ErrorTypeForwarding indicates a remote node call failed during routing
	ErrorTypeForwarding ErrorType = "FORWARDING"
	// ErrorTypeTimeout indicates an operation timed out
	ErrorTypeTimeout ErrorType = "TIMEOUT"
	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// KVError represents a custom error with additional context
type KVError struct {
	Type    ErrorType
	Message string
	Err     error
	Stack   string
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *KVError) Unwrap() error {
	return e.Err
}

// New creates a new KVError
func New(errType ErrorType, message string, err error) *KVError {
	_, file, line, _ := runtime.Caller(1)
	stack := fmt.Sprintf("%s:%d", file, line)

	return &KVError{
		Type:    errType,
		Message: message,
		Err:     err,
		Stack:   stack,
	}
}

// NotFound is shorthand for a NOT_FOUND error about key.
func NotFound(key string) *KVError {
	return New(ErrorTypeNotFound, "key not found: "+key, nil)
}

// Storage wraps an I/O failure.
func Storage(message string, err error) *KVError {
	return New(ErrorTypeStorage, message, err)
}

// TypeOf returns the ErrorType of the first KVError in err's chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var kvErr *KVError
	if stderrors.As(err, &kvErr) {
		return kvErr.Type
	}
	return ErrorTypeInternal
}

func is(err error, t ErrorType) bool {
	if err == nil {
		return false
	}
	var kvErr *KVError
	if stderrors.As(err, &kvErr) {
		return kvErr.Type == t
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrorTypeNotFound)
}

// IsUnauthorized checks if the error is an unauthorized error
func IsUnauthorized(err error) bool {
	return is(err, ErrorTypeUnauthorized)
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return is(err, ErrorTypeInvalidInput)
}

// IsStorage checks if the error is a storage error
func IsStorage(err error) bool {
	return is(err, ErrorTypeStorage)
}

// IsForwarding checks if the error is a forwarding error
func IsForwarding(err error) bool {
	return is(err, ErrorTypeForwarding)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return is(err, ErrorTypeTimeout)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrorTypeInternal)
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return IsForwarding(err) || IsTimeout(err)
}

// RecoverError recovers from a panic and converts it to a KVError
func RecoverError(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("%s", v)
	default:
		err = fmt.Errorf("%v", v)
	}

	return New(ErrorTypeInternal, "recovered from panic", err)
}
