package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"fetchbridge/pkg/logger"
)

// HandlerFunc is the application callback invoked once per exchange.
type HandlerFunc func(req *Request, b Bindings) (*Response, error)

// ErrorHandler converts a handler-phase failure into a Response. err is a
// *Error wrapping the underlying failure. Returning nil declines: the exchange
// is abandoned and nothing is written.
type ErrorHandler func(ctx context.Context, err error) *Response

// Options configures a Bridge.
type Options struct {
	ErrorHandler  ErrorHandler
	Policy        FramingPolicy
	MaxBufferSize int64
	Metrics       *Metrics
}

// Outcome values recorded per exchange.
const (
	OutcomeOK           = "ok"
	OutcomeHandlerError = "handler_error"
	OutcomeWriteError   = "write_error"
	OutcomeAborted      = "aborted"
	OutcomeAbandoned    = "abandoned"
	OutcomeMalformed    = "malformed"
)

// Bridge runs exchanges between native connections and a HandlerFunc.
type Bridge struct {
	handler HandlerFunc
	opts    Options
	ser     *Serializer
}

// New returns a Bridge invoking h.
func New(h HandlerFunc, opts Options) *Bridge {
	return &Bridge{
		handler: h,
		opts:    opts,
		ser: &Serializer{
			Policy:        opts.Policy,
			MaxBufferSize: opts.MaxBufferSize,
			Metrics:       opts.Metrics,
		},
	}
}

// Handle runs one exchange. The only error returned is a request build
// failure, which callers answer natively (nothing has been written yet).
// Handler and write failures are resolved here.
func (b *Bridge) Handle(parent context.Context, in Incoming, out Outgoing) error {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(parent)

	req, err := NewRequest(ctx, in)
	if err != nil {
		cancel(err)
		if be, ok := err.(*Error); ok {
			b.opts.Metrics.observeFailure(be)
		}
		b.opts.Metrics.observeExchange(OutcomeMalformed, start)
		logger.Warn("request_build_failed", "uri", in.RequestURI(), "error", err)
		return err
	}

	// the client is gone only if the read side died before a clean finish
	stop := out.OnClose(func() {
		if in.Destroyed() {
			cancel(ErrClientClosed)
		}
	})
	defer stop()

	outcome := OutcomeOK
	res, err := b.invoke(req, Bindings{Incoming: in, Outgoing: out})
	if err != nil {
		outcome = OutcomeHandlerError
		res = b.handlerFailed(ctx, err)
		if res == nil {
			b.opts.Metrics.observeExchange(OutcomeAbandoned, start)
			return nil
		}
	}

	if _, err := b.ser.Write(ctx, res, out); err != nil {
		outcome = b.writeFailed(err, out)
	}
	b.opts.Metrics.observeExchange(outcome, start)
	return nil
}

func (b *Bridge) invoke(req *Request, bindings Bindings) (res *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				panic(r)
			}
			perr, ok := r.(error)
			if !ok {
				perr = fmt.Errorf("%v", r)
			}
			res, err = nil, newError(PhaseHandler, KindHandlerThrew, perr, "handler panicked")
		}
	}()

	res, err = b.handler(req, bindings)
	if err != nil {
		return nil, err
	}
	if !res.Valid() {
		detail := "handler returned no response"
		if res != nil {
			detail = fmt.Sprintf("handler returned invalid status %d", res.Status)
		}
		return nil, &Error{Phase: PhaseHandler, Kind: KindNonResponse, Value: res, Detail: detail}
	}
	return res, nil
}

// handlerFailed resolves a handler-phase failure into a response, or nil when
// the custom error handler declines.
func (b *Bridge) handlerFailed(ctx context.Context, err error) *Response {
	be := handlerError(err)
	b.opts.Metrics.observeFailure(be)

	if h := b.opts.ErrorHandler; h != nil {
		res := h(ctx, be)
		if res == nil {
			return nil
		}
		if res.Valid() {
			return res
		}
		logger.Error("error_handler_invalid_response", "status", res.Status)
		return Empty(http.StatusInternalServerError)
	}

	logger.Error("handler_failed", "kind", string(be.Kind), "error", be.Cause)
	if be.Kind == KindTimeout {
		return Empty(http.StatusGatewayTimeout)
	}
	return Empty(http.StatusInternalServerError)
}

// writeFailed handles a write-phase failure and returns the outcome label.
func (b *Bridge) writeFailed(err error, out Outgoing) string {
	we := writeError(err)
	b.opts.Metrics.observeFailure(we)

	if we.Benign() {
		logger.Info("client_aborted_request", "error", err)
		return OutcomeAborted
	}

	logger.Error("response_write_failed", "headers_sent", out.HeadersSent(), "error", err)
	if !out.HeadersSent() {
		h := http.Header{"Content-Type": {"text/plain; charset=UTF-8"}}
		if out.WriteHead(http.StatusInternalServerError, h) == nil {
			_ = out.End()
			return OutcomeWriteError
		}
	}
	// a status line cannot be taken back
	out.Destroy(we)
	return OutcomeWriteError
}
