package core

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures crossing the bridge.
type ErrorKind int

const (
	// KindHandlerFailed: the handler threw or its promise rejected.
	KindHandlerFailed ErrorKind = iota + 1
	// KindInvalidHandlerOutput: a request/response handler returned something
	// other than bytes.
	KindInvalidHandlerOutput
	// KindTimeout: the process timeout elapsed before the handler settled.
	KindTimeout
	// KindBridgeUnavailable: the execution context could not be entered.
	KindBridgeUnavailable
	// KindUnexpectedResult: the bridge is draining or disposed, or the
	// engine refused an operation.
	KindUnexpectedResult
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandlerFailed:
		return "HandlerFailed"
	case KindInvalidHandlerOutput:
		return "InvalidHandlerOutput"
	case KindTimeout:
		return "Timeout"
	case KindBridgeUnavailable:
		return "BridgeUnavailable"
	case KindUnexpectedResult:
		return "UnexpectedResultError"
	default:
		return "Unknown"
	}
}

// Error is the cross-boundary error value. Message and Description are
// optional; an empty string means absent.
type Error struct {
	Kind        ErrorKind
	Message     string
	Description string
	// Temporary marks failures where the handler never ran and the message
	// can safely be delivered again later.
	Temporary bool
}

// Sentinels for errors.Is. Only the kind is compared.
var (
	ErrHandlerFailed        = &Error{Kind: KindHandlerFailed}
	ErrInvalidHandlerOutput = &Error{Kind: KindInvalidHandlerOutput}
	ErrTimeout              = &Error{Kind: KindTimeout}
	ErrBridgeUnavailable    = &Error{Kind: KindBridgeUnavailable}
	ErrUnexpectedResult     = &Error{Kind: KindUnexpectedResult}
)

// NewError builds an *Error.
func NewError(kind ErrorKind, message, description string) *Error {
	return &Error{Kind: kind, Message: message, Description: description}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message == "" && e.Description == "" {
		return b.String()
	}
	b.WriteString(": { ")
	switch {
	case e.Message != "" && e.Description != "":
		b.WriteString(e.Message)
		b.WriteString(", ")
		b.WriteString(e.Description)
	case e.Message != "":
		b.WriteString(e.Message)
	default:
		b.WriteString(e.Description)
	}
	b.WriteString(" }")
	return b.String()
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewTemporary builds an *Error with Temporary set.
func NewTemporary(kind ErrorKind, message, description string) *Error {
	return &Error{Kind: kind, Message: message, Description: description, Temporary: true}
}

// IsTemporary reports whether err carries a temporary *Error.
func IsTemporary(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// AsError returns err as an *Error. Errors that do not carry a kind are
// wrapped with the given fallback kind and message.
func AsError(err error, fallback ErrorKind, message string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(fallback, message, err.Error())
}
