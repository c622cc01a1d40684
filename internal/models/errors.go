package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain failures so callers can react without string matching
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindInsufficientStops ErrorKind = "insufficient_stops"
	KindConflict          ErrorKind = "conflict"
	KindInvalidState      ErrorKind = "invalid_state"
	KindGeoLookup         ErrorKind = "geo_lookup"
	KindRouteBuild        ErrorKind = "route_build"
	KindDataConsistency   ErrorKind = "data_consistency"
	KindNotFound          ErrorKind = "not_found"
)

// Error is the typed error returned by the scheduling and routing engine
type Error struct {
	Kind    ErrorKind
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

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict) works
// regardless of message. InsufficientStops also satisfies ErrValidation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindValidation && e.Kind == KindInsufficientStops
}

// Sentinels for errors.Is
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientStops = &Error{Kind: KindInsufficientStops}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrGeoLookup         = &Error{Kind: KindGeoLookup}
	ErrRouteBuild        = &Error{Kind: KindRouteBuild}
	ErrDataConsistency   = &Error{Kind: KindDataConsistency}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

func newError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func ValidationError(format string, args ...interface{}) error {
	return newError(KindValidation, nil, format, args...)
}

func InsufficientStopsError(got int) error {
	return newError(KindInsufficientStops, nil, "route needs at least 2 stops, got %d", got)
}

func ConflictError(format string, args ...interface{}) error {
	return newError(KindConflict, nil, format, args...)
}

func InvalidStateError(format string, args ...interface{}) error {
	return newError(KindInvalidState, nil, format, args...)
}

func GeoLookupError(err error, format string, args ...interface{}) error {
	return newError(KindGeoLookup, err, format, args...)
}

func RouteBuildError(err error, format string, args ...interface{}) error {
	return newError(KindRouteBuild, err, format, args...)
}

func DataConsistencyError(format string, args ...interface{}) error {
	return newError(KindDataConsistency, nil, format, args...)
}

func NotFoundError(format string, args ...interface{}) error {
	return newError(KindNotFound, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
