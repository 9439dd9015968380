package devserver

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchbridge/pkg/bridge"
)

type getIncoming struct{ uri string }

func (g getIncoming) Method() string     { return "GET" }
func (g getIncoming) RequestURI() string { return g.uri }
func (g getIncoming) RawHeaders() []bridge.HeaderField {
	return []bridge.HeaderField{{Name: "Host", Value: "localhost:5173"}}
}
func (g getIncoming) Body() io.Reader { return nil }
func (g getIncoming) Encrypted() bool { return false }
func (g getIncoming) Destroyed() bool { return false }

func newGet(t *testing.T, uri string) *bridge.Request {
	t.Helper()
	req, err := bridge.NewRequest(context.Background(), getIncoming{uri: uri})
	require.NoError(t, err)
	return req
}

func TestNormalizeBasePath(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"/":         "",
		"/foo/bar/": "/foo/bar",
		"foo/bar":   "/foo/bar",
		"//foo//":   "/foo",
		"/foo":      "/foo",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeBasePath(in), "base %q", in)
	}
}

func TestBasePathRewriter(t *testing.T) {
	assert.Nil(t, BasePathRewriter(""))
	assert.Nil(t, BasePathRewriter("/"))

	rewrite := BasePathRewriter("/foo/bar/")
	require.NotNil(t, rewrite)

	got := rewrite(newGet(t, "/foo/bar/baz?x=1"))
	assert.Equal(t, "http://localhost:5173/baz?x=1", got.Href())

	got = rewrite(newGet(t, "/foo/bar"))
	assert.Equal(t, "http://localhost:5173/", got.Href())

	outside := newGet(t, "/foo/barbaz")
	assert.Same(t, outside, rewrite(outside))
}

func TestBasePathGuard(t *testing.T) {
	all := BasePathGuard("")
	assert.True(t, all("/anything"))
	assert.True(t, all(""))

	guard := BasePathGuard("/foo/bar")
	assert.True(t, guard("/foo/bar"))
	assert.True(t, guard("/foo/bar/x"))
	assert.False(t, guard("/"))
	assert.False(t, guard("/foo/barx"))
	assert.False(t, guard(""))
}

func TestSafeURLPath(t *testing.T) {
	p, ok := SafeURLPath("/foo/bar?query=123")
	assert.True(t, ok)
	assert.Equal(t, "/foo/bar", p)

	p, ok = SafeURLPath("foo")
	assert.True(t, ok)
	assert.Equal(t, "/foo", p)

	_, ok = SafeURLPath("/%zz")
	assert.False(t, ok)
}
