// Package retry classifies job failures and decides what happens to the job
// afterwards.
//
// Every failure a handler returns is reduced to a Kind. A Policy maps each
// Kind to a Rule: delete or release the job, at which priority and delay, and
// how long the worker sleeps before reserving the next job.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Kind is the failure class of a job error.
type Kind int

const (
	// KindUnexpected is any failure nothing else claims. Fatal for the job.
	KindUnexpected Kind = iota
	// KindTransient is a network or name resolution failure. The job is retried.
	KindTransient
	// KindOverloaded means the remote side asked to be called again later.
	KindOverloaded
	// KindTimeout is a request that ran past its deadline.
	KindTimeout
	// KindValidation is a malformed or incomplete payload.
	KindValidation
	// KindNotFound is a payload referring to something that no longer exists.
	KindNotFound
	// KindForbidden is a payload the caller is not allowed to act on.
	KindForbidden
)

var kindNames = map[Kind]string{
	KindUnexpected: "unexpected",
	KindTransient:  "transient",
	KindOverloaded: "overloaded",
	KindTimeout:    "timeout",
	KindValidation: "validation",
	KindNotFound:   "not_found",
	KindForbidden:  "forbidden",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnexpected, fmt.Errorf("unknown error kind %q", s)
}

// Error is a classified job failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error  { return newError(KindTransient, op, err) }
func Overloaded(op string, err error) error { return newError(KindOverloaded, op, err) }
func Timeout(op string, err error) error    { return newError(KindTimeout, op, err) }
func Unexpected(op string, err error) error { return newError(KindUnexpected, op, err) }
func NotFound(op string, err error) error   { return newError(KindNotFound, op, err) }
func Forbidden(op string, err error) error  { return newError(KindForbidden, op, err) }

// Validation reports a payload problem. msg is usually the list of missing
// fields.
func Validation(op, msg string) error {
	return newError(KindValidation, op, errors.New(msg))
}

// KindOf classifies err. Explicitly classified errors keep their kind;
// deadline and network errors are recognised; everything else is unexpected.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnexpected
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindTransient
	}

	return KindUnexpected
}

// Classify wraps err in an *Error carrying its kind, unless it already is one.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return newError(KindOf(err), op, err)
}
