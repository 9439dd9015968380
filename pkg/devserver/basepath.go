package devserver

import (
	"net/url"
	"regexp"
	"strings"

	"fetchbridge/pkg/bridge"
)

var slashRuns = regexp.MustCompile(`/+`)

// NormalizeBasePath returns base with a leading slash, collapsed slashes and
// no trailing slash. "" and "/" normalize to "".
func NormalizeBasePath(base string) string {
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimRight(slashRuns.ReplaceAllString(base, "/"), "/")
}

// BasePathRewriter returns a function stripping base from request paths:
// "/base" becomes "/" and "/base/x" becomes "/x". Requests outside base pass
// through unchanged. It returns nil when base is empty.
func BasePathRewriter(base string) func(*bridge.Request) *bridge.Request {
	prefix := NormalizeBasePath(base)
	if prefix == "" {
		return nil
	}
	withSlash := prefix + "/"
	return func(req *bridge.Request) *bridge.Request {
		u := req.URL()
		switch {
		case u.Path == prefix:
			u.Path = "/"
		case strings.HasPrefix(u.Path, withSlash):
			u.Path = u.Path[len(prefix):]
		default:
			return req
		}
		u.RawPath = ""
		return req.WithURL(u)
	}
}

// BasePathGuard returns a function reporting whether a path belongs to the
// dev server. Without a base every path does.
func BasePathGuard(base string) func(path string) bool {
	prefix := NormalizeBasePath(base)
	if prefix == "" {
		return func(string) bool { return true }
	}
	withSlash := prefix + "/"
	return func(path string) bool {
		return path != "" && (path == prefix || strings.HasPrefix(path, withSlash))
	}
}

var localhost = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}

// SafeURLPath returns the path of a raw request target, resolved against a
// dummy origin so relative targets parse. ok is false when raw is not a URL.
//
//	SafeURLPath("/foo/bar?query=123") // "/foo/bar", true
func SafeURLPath(raw string) (path string, ok bool) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	return localhost.ResolveReference(ref).Path, true
}
