package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrorKind classifies failures so callers can decide whether to retry, drop or stop.
type ErrorKind int

const (
	// KindTransient failures (network, timeouts) are retried on the next scheduling opportunity.
	KindTransient ErrorKind = iota
	// KindMalformed means a single event or payload could not be understood and was dropped.
	KindMalformed
	// KindUnauthorized means there is no usable session. The operation was not attempted.
	KindUnauthorized
	// KindStorage means a local cache write or read failed.
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindUnauthorized:
		return "unauthorized"
	case KindStorage:
		return "storage"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ErrUnauthorized is returned when an operation needs a session and none is available.
var ErrUnauthorized = &Error{Kind: KindUnauthorized, Err: errors.New("no active session")}

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrUnauthorized) works for wrapped
// unauthorized errors regardless of their message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Err:  fmt.Errorf(format, args...),
	}
}

// KindOf returns the kind of the first *Error in the chain. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and CLIENTSYNC_DEBUG=1 then the program panics.
// If expr is false and CLIENTSYNC_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("list is not empty", len(list) > 0)
//
// Which then produces:
//
//	assertion failed: list is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("CLIENTSYNC_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
