package bridge

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

type fakeIncoming struct {
	method    string
	uri       string
	headers   []HeaderField
	body      io.Reader
	tls       bool
	destroyed atomic.Bool
}

func newIncoming(method, uri string, headers ...string) *fakeIncoming {
	in := &fakeIncoming{method: method, uri: uri}
	for i := 0; i+1 < len(headers); i += 2 {
		in.headers = append(in.headers, HeaderField{Name: headers[i], Value: headers[i+1]})
	}
	return in
}

func (f *fakeIncoming) Method() string            { return f.method }
func (f *fakeIncoming) RequestURI() string        { return f.uri }
func (f *fakeIncoming) RawHeaders() []HeaderField { return f.headers }
func (f *fakeIncoming) Body() io.Reader           { return f.body }
func (f *fakeIncoming) Encrypted() bool           { return f.tls }
func (f *fakeIncoming) Destroyed() bool           { return f.destroyed.Load() }

type h2Incoming struct {
	*fakeIncoming
	authority string
}

func (h *h2Incoming) Authority() string { return h.authority }

// recorder is an Outgoing that keeps every call in order.
type recorder struct {
	mu        sync.Mutex
	status    int
	header    http.Header
	body      bytes.Buffer
	ops       []string
	sent      bool
	destroyed error

	headErr  error
	writeErr error

	nextID   int
	closeFns map[int]func()
}

func newRecorder() *recorder {
	return &recorder{closeFns: make(map[int]func())}
}

func (r *recorder) WriteHead(status int, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "head")
	if r.headErr != nil {
		return r.headErr
	}
	r.status = status
	r.header = header.Clone()
	r.sent = true
	return nil
}

func (r *recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "write")
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	return r.body.Write(p)
}

func (r *recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "flush")
	return nil
}

func (r *recorder) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "end")
	return nil
}

func (r *recorder) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *recorder) OnClose(fn func()) func() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.closeFns[id] = fn
	return func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.closeFns[id]
		delete(r.closeFns, id)
		return ok
	}
}

func (r *recorder) Destroy(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, "destroy")
	r.destroyed = err
}

// close fires the registered close listeners.
func (r *recorder) close() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.closeFns))
	for _, fn := range r.closeFns {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *recorder) opString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.ops, ",")
}

func (r *recorder) listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closeFns)
}

// chunkReader yields one chunk per Read and an optional error at the end.
type chunkReader struct {
	chunks []string
	err    error
	closed bool
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func (c *chunkReader) Close() error {
	c.closed = true
	return nil
}
