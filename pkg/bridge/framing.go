package bridge

import (
	"net/http"
	"strings"
)

// Framing is the wire strategy chosen for one response.
type Framing int

const (
	FramingEmpty       Framing = iota // status + headers only
	FramingFixed                      // known-length buffer, Content-Length set
	FramingStream                     // piped incrementally, no length computed
	FramingBuffered                   // stream drained, Content-Length from drained size
	FramingAlreadySent                // written out-of-band, nothing to do
)

func (f Framing) String() string {
	switch f {
	case FramingEmpty:
		return "empty"
	case FramingFixed:
		return "fixed"
	case FramingStream:
		return "stream"
	case FramingBuffered:
		return "buffered"
	case FramingAlreadySent:
		return "already_sent"
	}
	return "unknown"
}

var (
	// DefaultBufferableTypes are media types whose streamed bodies are small
	// and synchronous enough to be drained into a Content-Length response.
	DefaultBufferableTypes = []string{"application/json", "text/*"}
	// DefaultStreamingTypes are always streamed, even when they match a
	// bufferable type.
	DefaultStreamingTypes = []string{"text/event-stream"}
)

// FramingPolicy decides how a response body goes on the wire.
// A zero FramingPolicy uses the default media type lists.
type FramingPolicy struct {
	Bufferable []string
	Streaming  []string
}

// Decide is a pure function of the response's headers and body variant.
func (p FramingPolicy) Decide(res *Response) Framing {
	switch b := res.Body.(type) {
	case *BufferBody:
		if b != nil {
			return FramingFixed
		}
	case *StreamBody:
		if b != nil && b.R != nil {
			if p.mustStream(res.Header) {
				return FramingStream
			}
			return FramingBuffered
		}
	}
	if res.Header.Get(HeaderAlreadySent) != "" {
		return FramingAlreadySent
	}
	return FramingEmpty
}

// mustStream reports whether the headers carry any signal that the body is a
// deliberate stream.
func (p FramingPolicy) mustStream(h http.Header) bool {
	if h.Get("Transfer-Encoding") != "" ||
		h.Get("Content-Encoding") != "" ||
		h.Get("Content-Length") != "" {
		return true
	}
	// nginx buffering variant
	if strings.EqualFold(h.Get("X-Accel-Buffering"), "no") {
		return true
	}
	return !p.bufferable(h.Get("Content-Type"))
}

func (p FramingPolicy) bufferable(contentType string) bool {
	if contentType == "" {
		return false
	}
	streaming, buffer := p.Streaming, p.Bufferable
	if streaming == nil {
		streaming = DefaultStreamingTypes
	}
	if buffer == nil {
		buffer = DefaultBufferableTypes
	}
	for _, pat := range streaming {
		if matchMediaType(contentType, pat) {
			return false
		}
	}
	for _, pat := range buffer {
		if matchMediaType(contentType, pat) {
			return true
		}
	}
	return false
}

// matchMediaType matches a Content-Type value against pattern by
// case-insensitive prefix. A "type/*" pattern matches any subtype; any other
// pattern must end at a word boundary ("application/json" matches
// "application/json; charset=utf-8" but not "application/jsonx").
func matchMediaType(contentType, pattern string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	pat := strings.ToLower(strings.TrimSpace(pattern))
	if pat == "" {
		return false
	}
	if strings.HasSuffix(pat, "/*") {
		prefix := strings.TrimSuffix(pat, "*")
		return strings.HasPrefix(ct, prefix) && len(ct) > len(prefix)
	}
	if !strings.HasPrefix(ct, pat) {
		return false
	}
	if len(ct) == len(pat) {
		return true
	}
	return !isWordByte(ct[len(pat)])
}

func isWordByte(c byte) bool {
	return c == '_' ||
		('0' <= c && c <= '9') ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z')
}
