package bridge

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// HeaderAlreadySent marks a response whose bytes were already written to the
// native connection out-of-band. It never reaches the wire.
const HeaderAlreadySent = "X-Fetchbridge-Already-Sent"

// Body is the response payload. It is one of nil (no body), *BufferBody or
// *StreamBody.
type Body interface {
	body()
}

// BufferBody is a payload of known length.
type BufferBody struct {
	data []byte
	blob io.ReaderAt
	size int64
}

func (*BufferBody) body() {}

// Len returns the payload size without consuming it.
func (b *BufferBody) Len() int64 {
	if b.blob != nil {
		return b.size
	}
	return int64(len(b.data))
}

// Open returns a reader over the full payload.
func (b *BufferBody) Open() io.Reader {
	if b.blob != nil {
		return io.NewSectionReader(b.blob, 0, b.size)
	}
	return bytes.NewReader(b.data)
}

// StreamBody is a payload whose length is unknown until drained.
type StreamBody struct {
	R io.Reader
}

func (*StreamBody) body() {}

// Bytes wraps p as a known-length body.
func Bytes(p []byte) *BufferBody { return &BufferBody{data: p} }

// String wraps s as a known-length body.
func String(s string) *BufferBody { return &BufferBody{data: []byte(s)} }

// Blob wraps a random-access source of size bytes as a known-length body.
func Blob(r io.ReaderAt, size int64) *BufferBody { return &BufferBody{blob: r, size: size} }

// Stream wraps r as a body of unknown length.
func Stream(r io.Reader) *StreamBody { return &StreamBody{R: r} }

// Response is what a handler produces.
type Response struct {
	Status int
	Header http.Header
	Body   Body
}

// NewResponse returns a response with an empty header set.
func NewResponse(status int, body Body) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// Text returns a text/plain response.
func Text(status int, s string) *Response {
	res := NewResponse(status, String(s))
	res.Header.Set("Content-Type", "text/plain; charset=UTF-8")
	return res
}

// JSON encodes v into an application/json response.
func JSON(status int, v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	res := NewResponse(status, Bytes(b))
	res.Header.Set("Content-Type", "application/json")
	return res, nil
}

// Empty returns a response without a body.
func Empty(status int) *Response { return NewResponse(status, nil) }

// Valid reports whether res can be written to the wire.
func (res *Response) Valid() bool {
	return res != nil && res.Status >= 100 && res.Status <= 999
}
