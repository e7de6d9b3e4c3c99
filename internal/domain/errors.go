package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures so transports can map them without string matching.
type Kind string

const (
	KindUpstreamUnavailable  Kind = "UPSTREAM_UNAVAILABLE"
	KindUpstreamTimeout      Kind = "UPSTREAM_TIMEOUT"
	KindNotifyDeliveryFailed Kind = "NOTIFY_DELIVERY_FAILED"
	KindConfigMissing        Kind = "CONFIG_MISSING"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindMethodNotAllowed     Kind = "METHOD_NOT_ALLOWED"
	KindValidation           Kind = "VALIDATION"
	KindNotFound             Kind = "NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindRunInProgress        Kind = "RUN_IN_PROGRESS"
)

// Sentinels for errors.Is checks; any *Error of the same kind matches.
var (
	ErrUpstreamUnavailable  = &Error{Kind: KindUpstreamUnavailable, Message: "visa API unavailable"}
	ErrUpstreamTimeout      = &Error{Kind: KindUpstreamTimeout, Message: "visa API still pending after retry budget"}
	ErrNotifyDeliveryFailed = &Error{Kind: KindNotifyDeliveryFailed, Message: "Telegram API request failed"}
	ErrConfigMissing        = &Error{Kind: KindConfigMissing, Message: "required configuration missing"}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized, Message: "Unauthorized"}
	ErrMethodNotAllowed     = &Error{Kind: KindMethodNotAllowed, Message: "Method not allowed"}
	ErrRecordNotFound       = &Error{Kind: KindNotFound, Message: "record not found"}
	ErrRecordExists         = &Error{Kind: KindConflict, Message: "record already exists"}
	ErrRunInProgress        = &Error{Kind: KindRunInProgress, Message: "another reconcile run is in progress"}
)

// Error is the structured failure surfaced to callers. Details holds the
// underlying cause as a readable string or a decoded upstream body.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

// NewError builds an Error of the given kind wrapping cause.
func NewError(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message, Err: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ValidationError reports invalid user input; Fields maps field name to message.
func ValidationError(message string, fields map[string]string) *Error {
	e := &Error{Kind: KindValidation, Message: message}
	if len(fields) > 0 {
		e.Details = fields
	}
	return e
}
