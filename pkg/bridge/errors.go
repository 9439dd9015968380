package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"reflect"
	"strings"
	"syscall"
)

// Phase tells where in an exchange a failure happened.
type Phase string

const (
	PhaseBuild   Phase = "build"   // native request -> Request
	PhaseHandler Phase = "handler" // application logic producing a Response
	PhaseWrite   Phase = "write"   // Response -> native connection
)

// Kind categorizes a failure.
type Kind string

const (
	KindMalformedRequest Kind = "malformed_request"
	KindHandlerThrew     Kind = "handler_threw"
	KindNonResponse      Kind = "handler_rejected_non_response"
	KindTimeout          Kind = "timeout"
	KindWriteStream      Kind = "write_stream_error"
	KindPrematureClose   Kind = "premature_client_close"
)

var (
	// ErrPrematureClose reports that the peer went away before the response
	// was fully delivered.
	ErrPrematureClose = errors.New("bridge: premature close")
	// ErrClientClosed is the cancellation cause set on a Request's context.
	ErrClientClosed = errors.New("bridge: client closed connection")
	// ErrHeadersCommitted is returned when status and headers are written twice.
	ErrHeadersCommitted = errors.New("bridge: headers already committed")
	// ErrBodyUsed is returned when a request body is consumed a second time.
	ErrBodyUsed = errors.New("bridge: request body already used")
)

// Error is the structured failure type produced by the bridge.
type Error struct {
	Cause  error
	Value  any
	Phase  Phase
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("bridge: ")
	sb.WriteString(string(e.Phase))
	sb.WriteString(": ")
	sb.WriteString(string(e.Kind))
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by phase and kind; empty fields act as wildcards.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

// Benign reports whether the failure is expected operational noise.
func (e *Error) Benign() bool { return e.Kind == KindPrematureClose }

func newError(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{Phase: phase, Kind: kind, Cause: cause, Detail: detail}
}

// handlerError classifies a handler-phase failure.
func handlerError(err error) *Error {
	var be *Error
	if errors.As(err, &be) && be.Phase == PhaseHandler {
		return be
	}
	if IsTimeout(err) {
		return newError(PhaseHandler, KindTimeout, err, "")
	}
	return newError(PhaseHandler, KindHandlerThrew, err, "")
}

// writeError classifies a write-phase failure.
func writeError(err error) *Error {
	var be *Error
	if errors.As(err, &be) && be.Phase == PhaseWrite {
		return be
	}
	if IsPrematureClose(err) {
		return newError(PhaseWrite, KindPrematureClose, err, "")
	}
	return newError(PhaseWrite, KindWriteStream, err, "")
}

// IsTimeout reports whether err is a timeout-flavored error.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var be *Error
	if errors.As(err, &be) && be.Kind == KindTimeout {
		return true
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Name() == "TimeoutError" {
			return true
		}
	}
	return false
}

// IsPrematureClose reports whether err means the peer disconnected.
func IsPrematureClose(err error) bool {
	if err == nil {
		return false
	}
	var be *Error
	if errors.As(err, &be) && be.Kind == KindPrematureClose {
		return true
	}
	switch {
	case errors.Is(err, ErrPrematureClose),
		errors.Is(err, ErrClientClosed),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	return false
}
