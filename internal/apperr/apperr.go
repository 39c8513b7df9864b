// Package apperr holds the error kinds shared by every component. Concrete
// errors wrap one of the kinds so callers can branch with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrStateConflict       = errors.New("state conflict")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func Validation(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...any) error {
	return &kindError{kind: ErrUnauthorized, msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &kindError{kind: ErrStateConflict, msg: fmt.Sprintf(format, args...)}
}

// Upstream marks err as a failure of the store or messaging channel while
// keeping the original error in the chain.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &upstreamError{op: op, err: err}
}

type upstreamError struct {
	op  string
	err error
}

func (e *upstreamError) Error() string   { return e.op + ": " + e.err.Error() }
func (e *upstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.err} }

// Kind returns the kind sentinel err wraps, or nil.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrStateConflict, ErrNotFound, ErrUnauthorized, ErrUpstreamUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
