// Package errs defines the error taxonomy surfaced by the order-tracking core.
// Handlers map kinds to HTTP codes; internals wrap causes with pkg/errors so
// the chain stays inspectable.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindCourierUnavailable
	KindPolicyViolation
	KindCourierCancelFailed
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func PolicyViolationf(format string, args ...any) error {
	return &Error{Kind: KindPolicyViolation, Msg: fmt.Sprintf(format, args...)}
}

func CourierUnavailable(err error, msg string) error {
	return &Error{Kind: KindCourierUnavailable, Msg: msg, Err: err}
}

func CourierCancelFailedf(format string, args ...any) error {
	return &Error{Kind: KindCourierCancelFailed, Msg: fmt.Sprintf(format, args...)}
}

// Internal hides storage-layer detail from external callers while keeping the
// cause in the chain for logs.
func Internal(err error, msg string) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: errors.WithStack(err)}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func IsValidation(err error) bool          { return Is(err, KindValidation) }
func IsNotFound(err error) bool            { return Is(err, KindNotFound) }
func IsCourierUnavailable(err error) bool  { return Is(err, KindCourierUnavailable) }
func IsPolicyViolation(err error) bool     { return Is(err, KindPolicyViolation) }
func IsCourierCancelFailed(err error) bool { return Is(err, KindCourierCancelFailed) }
