package bridge

import (
	"io"
	"net/http"
)

// HeaderField is one raw header pair as received, duplicates preserved.
type HeaderField struct {
	Name  string
	Value string
}

// Incoming is the read side of a native connection.
type Incoming interface {
	Method() string
	// RequestURI is the request target exactly as received.
	RequestURI() string
	// RawHeaders returns header pairs in arrival order. Multiplexed
	// transports include their pseudo-headers (":method", ":path", ...).
	RawHeaders() []HeaderField
	Body() io.Reader
	// Encrypted reports whether the transport is TLS.
	Encrypted() bool
	// Destroyed reports whether the connection went away without a clean
	// finish of the exchange.
	Destroyed() bool
}

// Authority is implemented by incoming connections of multiplexed transports
// that carry the target host in an ":authority" pseudo-header.
type Authority interface {
	Authority() string
}

// Outgoing is the write side of a native connection.
type Outgoing interface {
	// WriteHead commits status and headers. It must be called at most once.
	WriteHead(status int, header http.Header) error
	Write(p []byte) (int, error)
	// Flush pushes buffered body bytes to the peer.
	Flush() error
	// End finishes the response; it is the last call for an exchange.
	End() error
	HeadersSent() bool
	// OnClose registers fn to run once when the connection closes. The
	// returned stop function unregisters it and reports whether it did.
	OnClose(fn func()) (stop func() bool)
	// Destroy aborts the connection. Used when headers are already out and
	// no valid response can follow.
	Destroy(err error)
}

// Bindings exposes the native pair to handlers that need raw access.
type Bindings struct {
	Incoming Incoming
	Outgoing Outgoing
}
