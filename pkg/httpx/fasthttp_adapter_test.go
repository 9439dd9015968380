package httpx

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"fetchbridge/pkg/bridge"
)

func newFastServer(t *testing.T, x Exchanger, skip SkipFunc) *http.Client {
	t.Helper()
	ln := serveFast(t, x, skip)
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
		Timeout: 5 * time.Second,
	}
}

func serveFast(t *testing.T, x Exchanger, skip SkipFunc) *fasthttputil.InmemoryListener {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{
		Handler: FastHTTPAdapter(x, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(http.StatusTeapot)
			ctx.SetBodyString("fallback")
		}, skip),
		NoDefaultContentType: true,
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestFastHTTPHello(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	resp, err := c.Get("http://fast.test/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Equal(t, "text/plain; charset=UTF-8", resp.Header.Get("Content-Type"))
}

func TestFastHTTPHref(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	resp, err := c.Get("http://fast.test/href?x=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "http://fast.test/href?x=1", string(body))
}

func TestFastHTTPEcho(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	resp, err := c.Post("http://fast.test/echo", "application/octet-stream", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ping", string(body))
}

func TestFastHTTPBufferedStreamGetsLength(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	resp, err := c.Get("http://fast.test/json-stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"streamed":true}`, string(body))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}

func TestFastHTTPServerSentEvents(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	resp, err := c.Get("http://fast.test/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "data: 0\n\ndata: 1\n\ndata: 2\n\n", string(body))
}

func TestFastHTTPAbandonedGoesToFallback(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	resp, err := c.Get("http://fast.test/decline")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "fallback", string(body))
}

func TestFastHTTPSkip(t *testing.T) {
	c := newFastServer(t, helloBridge(), func(path string) bool { return path == "/static" })

	resp, err := c.Get("http://fast.test/static")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestFastHTTPClientDisconnectCancels(t *testing.T) {
	cause := make(chan error, 1)
	c := newFastServer(t, disconnectBridge(cause), nil)

	resp, err := c.Get("http://fast.test/")
	require.NoError(t, err)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: 0\n", line)
	resp.Body.Close()

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, bridge.ErrClientClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("request signal never fired")
	}
}

func TestFastHTTPDisconnectBeforeResponseCancels(t *testing.T) {
	cause := make(chan error, 1)
	ln := serveFast(t, waitingBridge(cause), nil)

	conn, err := ln.Dial()
	require.NoError(t, err)
	_, err = conn.Write([]byte("GET /wait HTTP/1.1\r\nHost: fast.test\r\n\r\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-cause:
		assert.ErrorIs(t, err, bridge.ErrClientClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("request signal never fired")
	}
}

func TestFastHTTPWatchLeavesKeepAliveIntact(t *testing.T) {
	c := newFastServer(t, helloBridge(), nil)

	for i := 0; i < 3; i++ {
		resp, err := c.Get("http://fast.test/")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "hello", string(body))
		assert.False(t, resp.Close)
	}
}

func TestFastOutgoingOnCloseAfterHangUp(t *testing.T) {
	var ctx fasthttp.RequestCtx
	out := newFastOutgoing(&ctx)
	out.closed()

	fired := false
	stop := out.OnClose(func() { fired = true })
	assert.True(t, fired)
	assert.False(t, stop())
	assert.True(t, out.isDestroyed())
}

func TestFastOutgoingBuffersUntilFlush(t *testing.T) {
	var ctx fasthttp.RequestCtx
	out := newFastOutgoing(&ctx)

	h := http.Header{"Content-Type": {"text/plain"}, "Content-Length": {"3"}}
	require.NoError(t, out.WriteHead(201, h))
	assert.ErrorIs(t, out.WriteHead(200, nil), bridge.ErrHeadersCommitted)

	_, err := out.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, out.End())

	assert.False(t, out.isReleased())
	assert.Equal(t, 201, ctx.Response.StatusCode())
	assert.Equal(t, "abc", string(ctx.Response.Body()))
	assert.Equal(t, "text/plain", string(ctx.Response.Header.ContentType()))
	assert.False(t, out.isDestroyed())
}
