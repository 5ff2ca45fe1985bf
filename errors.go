package barter

import (
	"errors"
	"fmt"
)

// Kind classifies failures crossing the store and identity boundaries.
type Kind string

const (
	// KindTransport covers an unreachable backend or a permission denial.
	KindTransport Kind = "transport"
	// KindNotFound is document or account absence.
	KindNotFound Kind = "not_found"
	// KindValidation is a caller mistake: bad arguments, update on a missing document, weak password.
	KindValidation Kind = "validation"
	// KindNoActiveSession is returned when a signed-in user is required but there is none.
	KindNoActiveSession Kind = "no_active_session"
	// KindAuth is a rejected authentication attempt (bad credentials, expired token).
	KindAuth Kind = "auth"
)

// Error codes carried by validation and auth errors
const (
	ErrCodeMissingField     = "missing_field"
	ErrCodeInvalidEmail     = "invalid_email"
	ErrCodeWeakPassword     = "weak_password"
	ErrCodeInvalidCreds     = "invalid_credentials"
	ErrCodeEmailExists      = "email_exists"
	ErrCodeInvalidOperator  = "invalid_operator"
	ErrCodeInvalidToken     = "invalid_token"
	ErrCodeUnsupported      = "unsupported"
	ErrCodeDocumentNotFound = "document_not_found"
)

var (
	// ErrNotFound is the sentinel backends return for a missing document.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is the sentinel an Inserter returns when the id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoActiveSession is returned by profile operations while signed out.
	ErrNoActiveSession = &Error{Kind: KindNoActiveSession, Message: "No user logged in"}
)

// Error is the error type returned by DocStore, IdentityService and Session.
type Error struct {
	Kind    Kind
	Op      string // e.g. "create", "signin"
	Code    string // optional machine readable code
	Field   string // optional offending field
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by kind so errors.Is(err, ErrNoActiveSession) works on copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// NewError builds an *Error.
func NewError(kind Kind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// NewFieldError builds a validation error pointing at a field.
func NewFieldError(op, code, message, field string) *Error {
	return &Error{Kind: KindValidation, Op: op, Code: code, Field: field, Message: message}
}

// wrapError converts a backend or provider failure into an *Error.  Errors that are already
// *Error keep their kind and only gain the op when they had none.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Op == "" {
			cp := *be
			cp.Op = op
			return &cp
		}
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Kind: KindNotFound, Op: op, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindTransport, Op: op, Message: err.Error(), Err: err}
}

// KindOf returns the Kind of err, or "" when err is nil or not an *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// Message returns the human readable part of err without the op prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	return err.Error()
}
