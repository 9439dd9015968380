package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Request is the immutable standardized view of one inbound exchange.
type Request struct {
	ctx    context.Context
	method string
	url    *url.URL
	href   string
	fields []HeaderField
	header http.Header
	body   *lazyBody
}

// NewRequest builds a Request from the native incoming side. ctx becomes the
// request's cancellation signal.
func NewRequest(ctx context.Context, in Incoming) (*Request, error) {
	raw := in.RawHeaders()
	fields := make([]HeaderField, 0, len(raw))
	header := make(http.Header, len(raw))
	host := ""
	for _, f := range raw {
		// pseudo-headers only feed method/URL
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		fields = append(fields, f)
		header.Add(f.Name, f.Value)
		if host == "" && strings.EqualFold(f.Name, "Host") {
			host = f.Value
		}
	}

	scheme := "http"
	if auth, ok := in.(Authority); ok {
		scheme = "https"
		host = auth.Authority()
	} else if in.Encrypted() {
		scheme = "https"
	}

	href := scheme + "://" + host + in.RequestURI()
	u, err := url.Parse(href)
	if err != nil {
		return nil, newError(PhaseBuild, KindMalformedRequest, err, "invalid request target")
	}

	method := in.Method()
	if method == "" {
		method = http.MethodGet
	}

	r := &Request{
		ctx:    ctx,
		method: method,
		url:    u,
		href:   u.String(),
		fields: fields,
		header: header,
	}
	if method != http.MethodGet && method != http.MethodHead {
		r.body = &lazyBody{src: in.Body()}
	}
	return r, nil
}

// Context returns the request's cancellation signal.
func (r *Request) Context() context.Context { return r.ctx }

// Aborted reports whether the client went away.
func (r *Request) Aborted() bool { return r.ctx.Err() != nil }

func (r *Request) Method() string { return r.method }

// URL returns a copy of the absolute request URL.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

// Href returns the absolute URL in string form.
func (r *Request) Href() string { return r.href }

// Headers returns the ordered header list.
func (r *Request) Headers() []HeaderField {
	return append([]HeaderField(nil), r.fields...)
}

// Header returns a copy of the headers keyed by canonical name.
func (r *Request) Header() http.Header { return r.header.Clone() }

// HeaderValue returns the first value for name.
func (r *Request) HeaderValue(name string) string { return r.header.Get(name) }

// Body returns the lazily consumed request body, or nil for GET and HEAD.
func (r *Request) Body() io.ReadCloser {
	if r.body == nil {
		return nil
	}
	return r.body
}

// BodyUsed reports whether reading of the body has started.
func (r *Request) BodyUsed() bool { return r.body != nil && r.body.used() }

// ReadAll drains the body. It fails with ErrBodyUsed when the body was
// already consumed.
func (r *Request) ReadAll() ([]byte, error) {
	if r.body == nil {
		return nil, nil
	}
	if r.body.used() {
		return nil, ErrBodyUsed
	}
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.body)
	return buf.Bytes(), err
}

// WithURL returns a copy of r addressed to u. Body and signal are shared.
func (r *Request) WithURL(u *url.URL) *Request {
	r2 := *r
	cu := *u
	r2.url = &cu
	r2.href = cu.String()
	return &r2
}

// WithContext returns a copy of r whose signal is ctx. The body is shared.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("bridge: nil context")
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

type lazyBody struct {
	mu     sync.Mutex
	src    io.Reader
	read   bool
	closed bool
}

func (b *lazyBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBodyUsed
	}
	b.read = true
	if b.src == nil {
		return 0, io.EOF
	}
	return b.src.Read(p)
}

func (b *lazyBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.read = true
	b.closed = true
	if c, ok := b.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *lazyBody) used() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read
}
