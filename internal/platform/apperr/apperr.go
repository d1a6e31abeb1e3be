// Package apperr defines the error taxonomy shared by every lab interface
// component. Errors carry a Kind so that callers can decide between retrying,
// rejecting the message, or escalating to an operator without inspecting text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindTransport
	KindProtocol
	KindAuth
	KindTokenAcquisition
	KindDomainMismatch
	KindNotFound
	KindValidation
)

var kindNames = map[Kind]string{
	KindInternal:         "internal",
	KindConfig:           "config",
	KindTransport:        "transport",
	KindProtocol:         "protocol",
	KindAuth:             "auth",
	KindTokenAcquisition: "token_acquisition",
	KindDomainMismatch:   "domain_mismatch",
	KindNotFound:         "not_found",
	KindValidation:       "validation",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Error is the concrete error type produced by the engine's own packages.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrKind implements Kinded.
func (e *Error) ErrKind() Kind { return e.Kind }

// ErrCode implements Coded.
func (e *Error) ErrCode() string { return e.Code }

// Kinded is implemented by errors from other packages that know their Kind
// without wrapping an *Error (transport and parse errors, for instance).
type Kinded interface {
	ErrKind() Kind
}

// Coded is implemented by errors that carry a machine-readable code.
type Coded interface {
	ErrCode() string
}

// New returns an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a kind, code and message to err. A nil err returns nil.
func Wrap(kind Kind, code, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Wrapf is Wrap with a message prefix.
func Wrapf(kind Kind, code string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first Kinded error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrKind()
	}
	return KindInternal
}

// CodeOf returns the code of the first Coded error in err's chain, or "".
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrCode()
	}
	return ""
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is a transport failure.
func Retryable(err error) bool {
	return Is(err, KindTransport)
}

// HTTPStatus maps an error to the status code returned by the HTTP API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindProtocol:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindDomainMismatch:
		return http.StatusUnprocessableEntity
	case KindConfig:
		return http.StatusConflict
	case KindTransport, KindTokenAcquisition:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
