package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// State is the position of a response in its write lifecycle.
type State int

const (
	StatePending State = iota
	StateHeadersCommitted
	StateStreaming
	StateBufferedWrite
	StateEmpty
	StateEnded
)

const chunkSize = 32 * 1024

var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, chunkSize)
		return &b
	},
}

// Serializer writes Responses onto native connections.
type Serializer struct {
	Policy FramingPolicy
	// MaxBufferSize bounds how much of a stream body is drained for
	// Content-Length framing. Zero means no bound.
	MaxBufferSize int64
	Metrics       *Metrics
}

// Write frames res onto out. On success the connection has been ended. On
// error nothing is ended; the caller decides between an error status and
// destroying the connection.
func (s *Serializer) Write(ctx context.Context, res *Response, out Outgoing) (Framing, error) {
	framing := s.Policy.Decide(res)
	s.Metrics.observeFraming(framing)

	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del(HeaderAlreadySent)

	w := &wire{out: out, metrics: s.Metrics}
	var err error
	switch framing {
	case FramingFixed:
		err = w.fixed(res.Status, header, res.Body.(*BufferBody))
	case FramingStream:
		body := res.Body.(*StreamBody).R
		defer closeBody(body)
		if err = w.commit(res.Status, header, StateStreaming); err == nil {
			err = w.pipe(ctx, body)
		}
	case FramingBuffered:
		body := res.Body.(*StreamBody).R
		defer closeBody(body)
		err = s.buffered(ctx, w, res.Status, header, body)
	case FramingAlreadySent:
		w.state = StateEnded
		err = out.End()
	default:
		if err = w.commit(res.Status, header, StateEmpty); err == nil {
			err = w.end()
		}
	}
	return framing, err
}

func (s *Serializer) buffered(ctx context.Context, w *wire, status int, header http.Header, body io.Reader) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	src := body
	if s.MaxBufferSize > 0 {
		src = io.LimitReader(body, s.MaxBufferSize+1)
	}
	if _, err := bb.ReadFrom(src); err != nil {
		return fmt.Errorf("drain response body: %w", err)
	}

	if s.MaxBufferSize > 0 && int64(bb.Len()) > s.MaxBufferSize {
		// too large to hold: fall back to streaming what was read plus the rest
		if err := w.commit(status, header, StateStreaming); err != nil {
			return err
		}
		return w.pipe(ctx, io.MultiReader(bytes.NewReader(bb.B), body))
	}

	header.Set("Content-Length", strconv.Itoa(bb.Len()))
	if err := w.commit(status, header, StateBufferedWrite); err != nil {
		return err
	}
	if bb.Len() > 0 {
		if err := w.write(bb.B); err != nil {
			return err
		}
	}
	return w.end()
}

// wire tracks one response's state over an Outgoing.
type wire struct {
	out     Outgoing
	metrics *Metrics
	state   State
}

func (w *wire) commit(status int, header http.Header, next State) error {
	if w.state != StatePending || w.out.HeadersSent() {
		return ErrHeadersCommitted
	}
	if err := w.out.WriteHead(status, header); err != nil {
		return err
	}
	w.state = next
	return nil
}

func (w *wire) write(p []byte) error {
	n, err := w.out.Write(p)
	w.metrics.addBytes(n)
	return err
}

func (w *wire) end() error {
	if w.state == StateEnded {
		return nil
	}
	w.state = StateEnded
	return w.out.End()
}

func (w *wire) fixed(status int, header http.Header, b *BufferBody) error {
	if n := b.Len(); n > 0 {
		header.Set("Content-Length", strconv.FormatInt(n, 10))
	}
	if err := w.commit(status, header, StateBufferedWrite); err != nil {
		return err
	}
	if b.blob == nil {
		if len(b.data) > 0 {
			if err := w.write(b.data); err != nil {
				return err
			}
		}
		return w.end()
	}
	n, err := w.copyAll(b.Open())
	if err != nil {
		return err
	}
	if n < b.Len() {
		// Content-Length is already on the wire
		return fmt.Errorf("blob body: wrote %d of %d bytes: %w", n, b.Len(), io.ErrUnexpectedEOF)
	}
	return w.end()
}

// pipe streams r chunk by chunk, flushing after every write, then ends.
func (w *wire) pipe(ctx context.Context, r io.Reader) error {
	if err := w.copyFlush(ctx, r); err != nil {
		return err
	}
	return w.end()
}

// copyAll writes r to the wire and returns the number of bytes read.
func (w *wire) copyAll(r io.Reader) (int64, error) {
	bufp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufp)
	buf := *bufp
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if err := w.write(buf[:n]); err != nil {
				return total, err
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

func (w *wire) copyFlush(ctx context.Context, r io.Reader) error {
	bufp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufp)
	buf := *bufp
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrPrematureClose, context.Cause(ctx))
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := w.write(buf[:n]); err != nil {
				return err
			}
			if err := w.out.Flush(); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func closeBody(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}
