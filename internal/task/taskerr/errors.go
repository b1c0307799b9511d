// Package taskerr defines the failure kinds of the scheduling and dispatch core.
//
// Every kind here is swallowed (logged) at the Scheduler/Dispatcher boundary.
// Errors returned by a task body are never wrapped into a Kind.
package taskerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindStoreNotReady
	KindMalformedIdentifier
	KindModuleNotFound
	KindFunctionNotFound
	KindWorkerSubmission
)

func (k Kind) String() string {
	switch k {
	case KindStoreNotReady:
		return "store_not_ready"
	case KindMalformedIdentifier:
		return "malformed_identifier"
	case KindModuleNotFound:
		return "module_not_found"
	case KindFunctionNotFound:
		return "function_not_found"
	case KindWorkerSubmission:
		return "worker_submission"
	default:
		return "unknown"
	}
}

var (
	ErrStoreNotReady       = errors.New("schedule store not ready")
	ErrMalformedIdentifier = errors.New("malformed task identifier")
	ErrModuleNotFound      = errors.New("task module not found")
	ErrFunctionNotFound    = errors.New("task function not found")
	ErrWorkerSubmission    = errors.New("worker submission failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindStoreNotReady:
		return ErrStoreNotReady
	case KindMalformedIdentifier:
		return ErrMalformedIdentifier
	case KindModuleNotFound:
		return ErrModuleNotFound
	case KindFunctionNotFound:
		return ErrFunctionNotFound
	case KindWorkerSubmission:
		return ErrWorkerSubmission
	default:
		return nil
	}
}

// Error is a core failure tied to one task identifier.
//
// errors.Is(err, ErrModuleNotFound) matches on Kind; Unwrap exposes the cause.
type Error struct {
	Kind       Kind
	Identifier string
	Detail     string
	Err        error
}

func New(kind Kind, identifier, detail string) *Error {
	return &Error{Kind: kind, Identifier: identifier, Detail: detail}
}

func Wrap(kind Kind, identifier string, err error) *Error {
	return &Error{Kind: kind, Identifier: identifier, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.Identifier != "" {
		msg = fmt.Sprintf("%s: '%s'", msg, e.Identifier)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{KindStoreNotReady, KindMalformedIdentifier, KindModuleNotFound, KindFunctionNotFound, KindWorkerSubmission} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}
