// Package domainerrors defines the stable error kinds returned by the case engine.
//
// Callers switch on Kind, never on message text. Detail is a human-readable
// explanation intended for operators.
package domainerrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	CaseLocked              Kind = "CaseLocked"
	NoOpTransition          Kind = "NoOpTransition"
	InvalidDiversionStage   Kind = "InvalidDiversionStage"
	OutcomeNotFavorable     Kind = "OutcomeNotFavorable"
	GradualityNotSatisfied  Kind = "GradualityNotSatisfied"
	StaleState              Kind = "StaleState"
	CollaboratorUnavailable Kind = "CollaboratorUnavailable"
	NotFound                Kind = "NotFound"
	InvalidInput            Kind = "InvalidInput"
	InvalidMediationState   Kind = "InvalidMediationState"
)

type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed without other changes.
func (e *Error) Retryable() bool {
	return e.Kind == CollaboratorUnavailable || e.Kind == StaleState
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func HasKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
