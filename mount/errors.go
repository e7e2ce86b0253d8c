package mount

import (
	"fmt"
)

// ErrorKind classifies every failure the driver can report.
type ErrorKind int

const (
	// ErrConnection covers timeouts, CRC failures, echo mismatches, and an
	// unresponsive line. Retried at the transport layer before surfacing.
	ErrConnection ErrorKind = iota
	// ErrSafety covers soft-limit violations, hardware fault bits, and
	// catastrophic fault strings. Never retried.
	ErrSafety
	// ErrMotion covers slew/park timeouts and failure to converge.
	ErrMotion
	// ErrInput covers out-of-range requested coordinates, rejected before
	// any command is sent.
	ErrInput
	// ErrParse covers replies that validated on the wire but whose payload
	// does not parse. Distinct from ErrConnection so "line returned
	// garbage" and "line silent" triage differently in the logs.
	ErrParse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnection:
		return "connection"
	case ErrSafety:
		return "safety"
	case ErrMotion:
		return "motion"
	case ErrInput:
		return "input"
	case ErrParse:
		return "parse"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type shared by all driver layers. Callers
// switch on Kind; Axis, Limit, and FaultBits carry the distinguishing
// context when they apply.
type Error struct {
	Kind ErrorKind
	// Axis is "RA" or "Dec" when the failure is axis-specific.
	Axis Axis
	// Limit names the violated limit ("ha_positive", "dec_negative", ...).
	Limit string
	// FaultBits lists the set fault flags when Kind is ErrSafety.
	FaultBits []string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Axis != "" {
		s += " [" + string(e.Axis) + "]"
	}
	s += ": " + e.Msg
	if e.Limit != "" {
		s += " (limit " + e.Limit + ")"
	}
	if len(e.FaultBits) > 0 {
		s += fmt.Sprintf(" (faults %v)", e.FaultBits)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so callers can
// match with errors.Is(err, &Error{Kind: ErrSafety}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Axis == "" || t.Axis == e.Axis)
}

func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func AxisErrorf(kind ErrorKind, axis Axis, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Axis: axis, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
