// Package oeterrors defines the typed error kinds the Script Execution
// Engine can surface, each carrying the HTTP status code the REST layer
// maps it to. Components construct these with the New/Wrap constructors
// instead of ad-hoc fmt.Errorf so internal/restapi never has to
// string-match an error to pick a status code.
package oeterrors

import "fmt"

// Kind identifies one category of engine failure.
type Kind string

const (
	KindScriptNotFound         Kind = "ScriptNotFound"
	KindInvalidWorkerCommand   Kind = "InvalidWorkerCommand"
	KindEnvironmentBuildFailed Kind = "EnvironmentBuildFailed"
	KindEnvironmentTimeout     Kind = "EnvironmentTimeout"
	KindWorkerStartupTimeout   Kind = "WorkerStartupTimeout"
	KindWorkerUnreachable      Kind = "WorkerUnreachable"
	KindUnknownPid             Kind = "UnknownPid"
	KindUnknownAid             Kind = "UnknownAid"
	KindNotReady               Kind = "NotReady"
	KindRequestTimeout         Kind = "RequestTimeout"
	KindActivityTimeout        Kind = "ActivityTimeout"
	KindBadRequest             Kind = "BadRequest"
)

var statusCodes = map[Kind]int{
	KindScriptNotFound:         400,
	KindInvalidWorkerCommand:   400,
	KindEnvironmentBuildFailed: 500,
	KindEnvironmentTimeout:     504,
	KindWorkerStartupTimeout:   504,
	KindWorkerUnreachable:      500,
	KindUnknownPid:             404,
	KindUnknownAid:             404,
	KindNotReady:               409,
	KindRequestTimeout:         504,
	KindActivityTimeout:        504,
	KindBadRequest:             400,
}

// Error is a typed engine error carrying enough context to be mapped
// directly to an HTTP status and a ResourceNotFound-style payload without
// any string inspection.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status this error kind maps to.
func (e *Error) StatusCode() int {
	if code, ok := statusCodes[e.Kind]; ok {
		return code
	}
	return 500
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As attempts to unwrap err into an *Error, following the standard
// errors.As contract without importing it (avoids a cyclic helper import
// in callers that already use errors.As directly; kept as a convenience).
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
