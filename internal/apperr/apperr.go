// Package apperr defines the error kinds surfaced by the tenant core.
//
// An Error carries a Kind that automated callers (the HTTP layer, the CLI)
// switch on, a human-readable Msg, the Op where it happened and an optional
// wrapped cause. Kinds survive wrapping with fmt.Errorf("...: %w").
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindInvalid             Kind = "invalid"
	KindNotFound            Kind = "not_found"
	KindAuthRequired        Kind = "authentication_required"
	KindForbidden           Kind = "forbidden"
	KindUnknownTenant       Kind = "unknown_tenant"
	KindTenantInactive      Kind = "tenant_inactive"
	KindConflict            Kind = "conflict"
	KindConnectionFailure   Kind = "connection_failure"
	KindProvisioningFailure Kind = "provisioning_failure"
	KindCrypto              Kind = "crypto_error"
)

// Error is the error type of the tenant core.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Kinder is implemented by errors that classify themselves without being an *Error.
type Kinder interface {
	ErrorKind() Kind
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindInternal when none is found. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch v := e.(type) {
		case *Error:
			if v.Kind != "" {
				return v.Kind
			}
		case Kinder:
			return v.ErrorKind()
		}
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to the status code the HTTP layer should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindInvalid:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden, KindTenantInactive:
		return http.StatusForbidden
	case KindNotFound, KindUnknownTenant:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindConnectionFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
