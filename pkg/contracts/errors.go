package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse error family a caller branches on.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindConflict      ErrorKind = "conflict"
	KindNotFound      ErrorKind = "not_found"
	KindExpired       ErrorKind = "expired"
	KindDependency    ErrorKind = "dependency"
)

// ErrorCode identifies a specific failure within a kind.
type ErrorCode string

const (
	CodeInvalidInput        ErrorCode = "InvalidInput"
	CodeNotOwner            ErrorCode = "NotOwner"
	CodeNotSigner           ErrorCode = "NotSigner"
	CodeSelfRequest         ErrorCode = "SelfRequest"
	CodeDuplicateRequest    ErrorCode = "DuplicateRequest"
	CodeStaleVersion        ErrorCode = "StaleVersion"
	CodeInvalidTransition   ErrorCode = "InvalidTransition"
	CodeRateLimited         ErrorCode = "RateLimited"
	CodeNotFound            ErrorCode = "NotFound"
	CodeTemplateUnavailable ErrorCode = "TemplateUnavailable"
	CodeExpired             ErrorCode = "Expired"
	CodeDependency          ErrorCode = "Dependency"
)

var codeKinds = map[ErrorCode]ErrorKind{
	CodeInvalidInput:        KindValidation,
	CodeNotOwner:            KindAuthorization,
	CodeNotSigner:           KindAuthorization,
	CodeSelfRequest:         KindAuthorization,
	CodeDuplicateRequest:    KindConflict,
	CodeStaleVersion:        KindConflict,
	CodeInvalidTransition:   KindConflict,
	CodeRateLimited:         KindConflict,
	CodeNotFound:            KindNotFound,
	CodeTemplateUnavailable: KindNotFound,
	CodeExpired:             KindExpired,
	CodeDependency:          KindDependency,
}

// forbiddenMessage is the only text an authorization failure carries. It is
// the same whether the target is missing or belongs to someone else.
const forbiddenMessage = "not permitted"

// Error is the typed failure returned by every NDA operation.
type Error struct {
	Code    ErrorCode
	Message string

	// Subject, State and Version describe the entity as currently stored.
	// Set on conflict and expiry errors so the caller can decide whether to
	// retry or restart the workflow.
	Subject string
	State   string
	Version int64

	Err error
}

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrInvalidInput        = &Error{Code: CodeInvalidInput}
	ErrNotOwner            = &Error{Code: CodeNotOwner}
	ErrNotSigner           = &Error{Code: CodeNotSigner}
	ErrSelfRequest         = &Error{Code: CodeSelfRequest}
	ErrDuplicateRequest    = &Error{Code: CodeDuplicateRequest}
	ErrStaleVersion        = &Error{Code: CodeStaleVersion}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition}
	ErrRateLimited         = &Error{Code: CodeRateLimited}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrTemplateUnavailable = &Error{Code: CodeTemplateUnavailable}
	ErrExpired             = &Error{Code: CodeExpired}
	ErrDependency          = &Error{Code: CodeDependency}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = string(e.Code) + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Kind returns the error family of e.
func (e *Error) Kind() ErrorKind { return codeKinds[e.Code] }

// Errorf builds an error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds an authorization error that reveals nothing about the target.
func Forbidden(code ErrorCode) *Error {
	return &Error{Code: code, Message: forbiddenMessage}
}

// Conflict builds a conflict or expiry error describing the stored entity.
func Conflict(code ErrorCode, subject, state string, version int64, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Subject: subject,
		State:   state,
		Version: version,
	}
}

// Dependency wraps a store, object store or audit failure. The caller's
// transaction is rolled back whenever this is returned.
func Dependency(op string, err error) *Error {
	return &Error{Code: CodeDependency, Message: op, Err: err}
}

// KindOf reports the kind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return ""
}

// CodeOf reports the code of err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether re-reading state and trying again can succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindDependency:
		return true
	default:
		return false
	}
}

// AsDependency returns err unchanged if it is already typed, and wraps it as
// a dependency failure otherwise.
func AsDependency(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Dependency(op, err)
}
