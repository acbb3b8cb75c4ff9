package probe

import (
	"errors"
	"fmt"
)

var (
	ErrTransient = errors.New("transient probe failure")
	ErrPermanent = errors.New("permanent probe failure")
)

type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is the only error type returned by the profile source client.
// errors.Is(err, ErrTransient) / errors.Is(err, ErrPermanent) select by Kind.
type Error struct {
	Kind   Kind
	Op     string // "user_info" | "dynamics"
	Status int    // HTTP status, 0 when no response
	Code   int    // API code, 0 when not decoded
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(" http=%d", e.Status)
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	sentinel := ErrTransient
	if e.Kind == Permanent {
		sentinel = ErrPermanent
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func transient(op string, status, code int, err error) *Error {
	return &Error{Kind: Transient, Op: op, Status: status, Code: code, Err: err}
}

func permanent(op string, status, code int, err error) *Error {
	return &Error{Kind: Permanent, Op: op, Status: status, Code: code, Err: err}
}

// KindOf classifies any error. Unknown errors count as transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrPermanent) {
		return Permanent
	}
	return Transient
}
