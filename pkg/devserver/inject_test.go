package devserver

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchbridge/pkg/bridge"
)

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestInjectStringBuffer(t *testing.T) {
	res := bridge.NewResponse(http.StatusOK, bridge.String("<h1>hi</h1>"))
	res.Header.Set("Content-Type", "text/html")
	res.Header.Set("Content-Length", "11")

	out, err := InjectString(res, "<script></script>")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out.Status)
	assert.Empty(t, out.Header.Get("Content-Length"))
	assert.Equal(t, "text/html", out.Header.Get("Content-Type"))
	assert.Equal(t, "11", res.Header.Get("Content-Length"), "input left untouched")

	b, ok := out.Body.(*bridge.BufferBody)
	require.True(t, ok)
	got, _ := io.ReadAll(b.Open())
	assert.Equal(t, "<h1>hi</h1><script></script>", string(got))
}

func TestInjectStringStream(t *testing.T) {
	src := &closeTracker{Reader: strings.NewReader("<p>a</p>")}
	res := bridge.NewResponse(http.StatusOK, bridge.Stream(src))

	out, err := InjectString(res, "<script></script>")
	require.NoError(t, err)

	s, ok := out.Body.(*bridge.StreamBody)
	require.True(t, ok)
	got, _ := io.ReadAll(s.R)
	assert.Equal(t, "<p>a</p><script></script>", string(got))

	require.NoError(t, s.R.(io.Closer).Close())
	assert.True(t, src.closed)
}

func TestInjectStringNoBody(t *testing.T) {
	res := bridge.Empty(http.StatusNoContent)
	out, err := InjectString(res, "x")
	require.NoError(t, err)
	assert.Same(t, res, out)
}

func TestClientScript(t *testing.T) {
	assert.Equal(t, `<script>import("/@vite/client")</script>`, ClientScript("/@vite/client"))
}
