package httpx

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchbridge/pkg/bridge"
)

func fallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "fallback")
	})
}

func newNetServer(t *testing.T, x Exchanger, skip SkipFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NetHTTPAdapter(x, fallback(), skip))
	t.Cleanup(srv.Close)
	return srv
}

func TestNetHTTPHello(t *testing.T) {
	srv := newNetServer(t, helloBridge(), nil)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int64(5), resp.ContentLength)
	assert.Equal(t, "text/plain; charset=UTF-8", resp.Header.Get("Content-Type"))
}

func TestNetHTTPHead(t *testing.T) {
	srv := newNetServer(t, helloBridge(), nil)

	resp, err := http.Head(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(5), resp.ContentLength)
}

func TestNetHTTPEcho(t *testing.T) {
	srv := newNetServer(t, helloBridge(), nil)

	resp, err := http.Post(srv.URL+"/echo", "application/octet-stream", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ping", string(body))
}

func TestNetHTTPBufferedStreamGetsLength(t *testing.T) {
	srv := newNetServer(t, helloBridge(), nil)

	resp, err := http.Get(srv.URL + "/json-stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"streamed":true}`, string(body))
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}

func TestNetHTTPServerSentEvents(t *testing.T) {
	srv := newNetServer(t, helloBridge(), nil)

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "data: 0\n\ndata: 1\n\ndata: 2\n\n", string(body))
}

func TestNetHTTPAbandonedGoesToFallback(t *testing.T) {
	srv := newNetServer(t, helloBridge(), nil)

	resp, err := http.Get(srv.URL + "/decline")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "fallback", string(body))
}

func TestNetHTTPSkip(t *testing.T) {
	srv := newNetServer(t, helloBridge(), func(path string) bool { return strings.HasPrefix(path, "/assets/") })

	resp, err := http.Get(srv.URL + "/assets/app.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestNetHTTPMalformedTargetIs400(t *testing.T) {
	h := NetHTTPAdapter(helloBridge(), fallback(), nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RequestURI = "/%zz"
	w := httptest.NewRecorder()

	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNetHTTPClientDisconnectCancels(t *testing.T) {
	cause := make(chan error, 1)
	srv := newNetServer(t, disconnectBridge(cause), nil)

	resp, err := http.Get(srv.URL + "/")
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

func TestNetHTTPDisconnectBeforeResponseCancels(t *testing.T) {
	cause := make(chan error, 1)
	srv := newNetServer(t, waitingBridge(cause), nil)

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("GET /wait HTTP/1.1\r\nHost: net.test\r\n\r\n"))
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

func TestNetHTTP2UsesAuthority(t *testing.T) {
	srv := httptest.NewUnstartedServer(NetHTTPAdapter(helloBridge(), fallback(), nil))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/href?q=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, srv.URL+"/href?q=1", string(body))
	assert.Equal(t, "GET", resp.Header.Get("X-Method"))
}

func TestNetIncomingRawHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.test/p", nil)
	r.Header.Set("B", "2")
	r.Header.Set("A", "1")
	in := &netIncoming{r: r, out: &netOutgoing{}}

	assert.Equal(t, []bridge.HeaderField{
		{Name: "Host", Value: "example.test"},
		{Name: "A", Value: "1"},
		{Name: "B", Value: "2"},
	}, in.RawHeaders())
	assert.Nil(t, in.Body())
	assert.False(t, in.Encrypted())

	h2 := &netIncomingH2{netIncoming: in}
	fields := h2.RawHeaders()
	assert.Equal(t, ":method", fields[0].Name)
	assert.Equal(t, "example.test", h2.Authority())
}
