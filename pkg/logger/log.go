package logger

import (
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"
)

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

func maskedValue(v string) string {
	if v == "" {
		return ""
	}
	// keep first and last rune
	if utf8.RuneCountInString(v) <= 2 {
		return "<redacted>"
	}
	first, _ := utf8.DecodeRuneInString(v)
	last, _ := utf8.DecodeLastRuneInString(v)
	return string(first) + "*****" + string(last)
}

func redactHeaderValue(name, v string) string {
	if sensitiveHeaders[strings.ToLower(name)] {
		return maskedValue(v)
	}
	return v
}

// SafeHeaders renders h on one line, sorted by name, with credentials masked.
func SafeHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k, v := range h {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+redactHeaderValue(k, h[k][0]))
	}
	return strings.Join(parts, "; ")
}

// LogRequest logs a concise, safe summary of an incoming request at debug.
func LogRequest(r *http.Request) {
	if Log == nil {
		return
	}
	Debug("incoming_request",
		"method", r.Method,
		"path", r.URL.Path,
		"proto", r.Proto,
		"remote", r.RemoteAddr,
		"headers", SafeHeaders(r.Header),
	)
}
