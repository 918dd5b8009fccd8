// Package errs defines the typed error taxonomy shared by the pricing engine,
// the trade executor and the stores. Every failure that can reach a caller
// carries a Kind plus the offending field and value, so clients can decide
// whether to retry, adjust input or give up.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an engine failure.
type Kind string

const (
	InvalidInput            Kind = "InvalidInput"
	NotFound                Kind = "NotFound"
	InsufficientReserve     Kind = "InsufficientReserve"
	InvalidTradeComputation Kind = "InvalidTradeComputation"
	InvalidPoolState        Kind = "InvalidPoolState"
	ConcurrencyConflict     Kind = "ConcurrencyConflict"
	SlippageExceeded        Kind = "SlippageExceeded"
	LimitExceeded           Kind = "LimitExceeded"
	NotImplemented          Kind = "NotImplemented"
	Unauthorized            Kind = "Unauthorized"
	Forbidden               Kind = "Forbidden"
	Canceled                Kind = "Canceled"
	Internal                Kind = "Internal"
)

// Error is the concrete error type. Op names the operation that failed
// (e.g. "amm.QuoteBinary"), Field/Value the offending input when there is one.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Value string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s=%s)", e.Field, e.Value)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, errs.E(errs.InsufficientReserve))
// matches any error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Field == "" && t.Msg == ""
}

// E returns a bare error of the given kind, mostly useful as an errors.Is target.
func E(kind Kind) *Error { return &Error{Kind: kind} }

// New builds an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Field builds an error that names the offending input.
func Field(kind Kind, op, field string, value any, msg string) *Error {
	return &Error{Kind: kind, Op: op, Field: field, Value: fmt.Sprint(value), Msg: msg}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may resubmit the same request as-is.
func Retryable(kind Kind) bool {
	return kind == ConcurrencyConflict
}

// HTTPStatus maps a kind to the response status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InsufficientReserve, InvalidTradeComputation:
		return http.StatusUnprocessableEntity
	case ConcurrencyConflict, SlippageExceeded, LimitExceeded:
		return http.StatusConflict
	case NotImplemented:
		return http.StatusNotImplemented
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Payload is the JSON shape of an error response.
type Payload struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Value     string `json:"value,omitempty"`
	Retryable bool   `json:"retryable"`
}

// ToPayload flattens err for an API response.
func ToPayload(err error) Payload {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Msg
		if msg == "" && e.Err != nil {
			msg = e.Err.Error()
		}
		return Payload{
			Kind:      e.Kind,
			Message:   msg,
			Field:     e.Field,
			Value:     e.Value,
			Retryable: Retryable(e.Kind),
		}
	}
	return Payload{Kind: Internal, Message: err.Error()}
}
