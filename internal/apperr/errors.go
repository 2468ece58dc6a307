// Package apperr defines the gateway's error taxonomy: a closed set of kinds
// shared by the HTTP and WebSocket surfaces so both layers map errors to
// status/code the same way.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable category of an application error. Kinds are never
// extended per-endpoint; new error situations pick the closest existing kind.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindPolicy     Kind = "policy"
	KindValidation Kind = "validation"
	KindUpstream   Kind = "upstream"
	KindState      Kind = "state"
	KindInternal   Kind = "internal"
)

// Error is the gateway's wrapped error type. Code is the closed-set string
// surfaced to clients (e.g. "rate_limited", "exchange_unresolved"); Kind
// drives HTTP status / WS close-vs-keep-open behavior.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Extra   map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error with a human message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an Error that carries an underlying cause, preserved via %w
// the way the teacher wraps NATS/transport errors.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), err: err}
}

// WithExtra attaches additional response fields (e.g. {"token": 999999999}).
func (e *Error) WithExtra(extra map[string]any) *Error {
	e.Extra = extra
	return e
}

// As unwraps target into an *Error, mirroring errors.As for callers that
// only have an `error`.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code the REST surface emits.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindPolicy:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindState:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Terminal reports whether a WS error should close the connection rather
// than just emit an `error` event and keep it open (§7: "kept open unless
// the error is terminal").
func Terminal(code string) bool {
	switch code {
	case "invalid_api_key", "missing_api_key", "limit_exceeded", "key_blocked_for_abuse":
		return true
	default:
		return false
	}
}
