package devserver

import (
	"bytes"
	"io"
	"strings"

	"fetchbridge/pkg/bridge"
)

// InjectString returns a copy of res with content appended to its body.
// Content-Length is dropped since it no longer holds. Responses without a
// body are returned as is.
func InjectString(res *bridge.Response, content string) (*bridge.Response, error) {
	var body bridge.Body
	switch b := res.Body.(type) {
	case *bridge.BufferBody:
		if b == nil {
			return res, nil
		}
		var buf bytes.Buffer
		buf.Grow(int(b.Len()) + len(content))
		if _, err := buf.ReadFrom(b.Open()); err != nil {
			return nil, err
		}
		buf.WriteString(content)
		body = bridge.Bytes(buf.Bytes())
	case *bridge.StreamBody:
		if b == nil || b.R == nil {
			return res, nil
		}
		body = bridge.Stream(appendReader(b.R, content))
	default:
		return res, nil
	}

	header := res.Header.Clone()
	header.Del("Content-Length")
	return &bridge.Response{Status: res.Status, Header: header, Body: body}, nil
}

type appended struct {
	io.Reader
	src io.Reader
}

// Close releases the source stream.
func (a *appended) Close() error {
	if c, ok := a.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func appendReader(r io.Reader, content string) io.ReadCloser {
	return &appended{Reader: io.MultiReader(r, strings.NewReader(content)), src: r}
}

// ClientScript is the tag loading the frontend dev client module at src.
func ClientScript(src string) string {
	return `<script>import("` + src + `")</script>`
}
