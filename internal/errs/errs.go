// Package errs defines the error taxonomy shared by every stage of the
// validating SQL pipeline: parsing, touch extraction, policy validation,
// result building, and the session broker. Every subsystem wraps its
// failures in a *Error so the JSON-RPC layer can map a single Kind to a
// wire-level error code without re-deriving it from string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies why a request failed. Kinds never change meaning across
// releases; add new ones rather than repurposing an existing value.
type Kind int

const (
	// Internal is the zero value on purpose: an unclassified error must
	// fail closed as Internal rather than silently behaving like BadInput.
	Internal Kind = iota
	BadInput
	ParseError
	Unsupported
	PolicyReject
	RuntimeLimit
	BackendError
)

func (k Kind) String() string {
	switch k {
	case BadInput:
		return "bad_input"
	case ParseError:
		return "parse_error"
	case Unsupported:
		return "unsupported"
	case PolicyReject:
		return "policy_reject"
	case RuntimeLimit:
		return "runtime_limit"
	case BackendError:
		return "backend_error"
	default:
		return "internal"
	}
}

// Error is the common error value threaded through the pipeline. Code is
// only meaningful when Kind is PolicyReject (a QRERR_* machine code); it
// is empty otherwise.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Reject builds a PolicyReject error carrying a QRERR_* machine code, the
// shape the validator emits for every rejection rule.
func Reject(code, message string) *Error {
	return &Error{Kind: PolicyReject, Code: code, Message: message}
}

// Of reports the Kind of err, defaulting to Internal for anything that
// isn't one of ours. Unclassified failures must fail closed.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
