package monitorauth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the auth API and the session manager
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidURL
	KindNetwork
	KindInvalidResponse
	KindNoData
	KindDecoding
	KindUnauthorized
	KindBadRequest
	KindConflict
	KindServer
	KindNotAuthenticated
)

var kindNames = map[ErrorKind]string{
	KindUnknown:          "unknown",
	KindInvalidURL:       "invalid url",
	KindNetwork:          "network error",
	KindInvalidResponse:  "invalid response",
	KindNoData:           "no data",
	KindDecoding:         "decoding error",
	KindUnauthorized:     "unauthorized",
	KindBadRequest:       "bad request",
	KindConflict:         "conflict",
	KindServer:           "server error",
	KindNotAuthenticated: "not authenticated",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type surfaced by the transport and session manager
type Error struct {
	Kind       ErrorKind
	Message    string // server-provided "error" field when present
	StatusCode int    // HTTP status, 0 when no response was received
	Err        error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Kind == KindServer && e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrInvalidURL       = &Error{Kind: KindInvalidURL}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrInvalidResponse  = &Error{Kind: KindInvalidResponse}
	ErrNoData           = &Error{Kind: KindNoData}
	ErrDecoding         = &Error{Kind: KindDecoding}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrBadRequest       = &Error{Kind: KindBadRequest}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrServer           = &Error{Kind: KindServer}
	ErrNotAuthenticated = &Error{Kind: KindNotAuthenticated, Message: "no active session"}
)

// NewError builds an Error of the given kind with a message
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds an Error of the given kind around a cause
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the server-provided message of err, falling back to err.Error()
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
