package queue

import (
	"context"
	"errors"
	"net"
)

// ErrorType classifies crawl and enqueue failures.
type ErrorType string

// Error taxonomy. Infrastructure errors are detected via stuck-running
// reconciliation and are never counted against retry_count.
const (
	ErrTypeTransientNetwork ErrorType = "transient_network_error"
	ErrTypeRateLimit        ErrorType = "rate_limit_error"
	ErrTypeParse            ErrorType = "parse_error"
	ErrTypeTimeout          ErrorType = "timeout_error"
	ErrTypeInfrastructure   ErrorType = "infrastructure_error"
	ErrTypeValidation       ErrorType = "validation_error"
)

// ErrNotRunning is returned by Complete when the item is not currently
// running. Correct callers should never see it; the scheduler logs it and
// drops the result.
var ErrNotRunning = errors.New("item is not running")

// ErrNotFound is returned when an item or batch id is unknown.
var ErrNotFound = errors.New("not found")

// Error is a classified failure carried through the queue.
type Error struct {
	Type    ErrorType
	Message string
}

// NewError builds a classified Error.
func NewError(kind ErrorType, message string) *Error {
	return &Error{Type: kind, Message: message}
}

func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Message
}

// ValidationError builds an enqueue-time validation failure.
func ValidationError(message string) *Error {
	return NewError(ErrTypeValidation, message)
}

// IsValidation reports whether err is an enqueue-time validation failure.
func IsValidation(err error) bool {
	var qe *Error
	return errors.As(err, &qe) && qe.Type == ErrTypeValidation
}

// Classify normalizes an arbitrary executor error into the taxonomy. Every
// outcome passes through here before reaching state-transition logic, so no
// executor error can crash the scheduler with an unknown kind.
func Classify(err error) (ErrorType, string) {
	if err == nil {
		return "", ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Type, qe.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTypeTimeout, err.Error()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTypeTimeout, err.Error()
	}
	return ErrTypeTransientNetwork, err.Error()
}
