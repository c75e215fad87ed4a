package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies tracker errors. All tracker errors are terminal to the
// instrumentation operation only; they must never influence the result the
// intercepted application observes from the real API call.
type Kind uint8

const (
	// KindContractViolation means the intercepted application broke the API
	// sequencing rules the tracker relies on (e.g. resetting an in-flight
	// command buffer). Reported and counted, never fatal to the call chain.
	KindContractViolation Kind = iota + 1

	// KindResourceExhausted means a bounded resource (query slots) ran out.
	// Instrumentation degrades; this is not an application error.
	KindResourceExhausted

	// KindNotFound means a lookup on an untracked handle. Treated as a
	// contract violation by the reporting layer.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindContractViolation:
		return "contract_violation"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the structured error type all tracker operations return.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
}

func violationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindContractViolation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain, or 0 if the error did not
// originate in the tracker.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
