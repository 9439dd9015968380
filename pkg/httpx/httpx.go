package httpx

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"fetchbridge/pkg/bridge"
)

// Exchanger runs one request/response exchange over a native connection.
// *bridge.Bridge implements it.
type Exchanger interface {
	Handle(ctx context.Context, in bridge.Incoming, out bridge.Outgoing) error
}

// SkipFunc reports whether a request target (path plus query, as sent)
// bypasses the bridge and goes straight to the fallback handler.
type SkipFunc func(target string) bool

// closeListeners is the close-event registry shared by both adapters.
type closeListeners struct {
	nextID int
	fns    map[int]func()
}

func (c *closeListeners) add(fn func()) int {
	if c.fns == nil {
		c.fns = make(map[int]func())
	}
	id := c.nextID
	c.nextID++
	c.fns[id] = fn
	return id
}

func (c *closeListeners) remove(id int) bool {
	_, ok := c.fns[id]
	delete(c.fns, id)
	return ok
}

// take empties the registry and returns what was in it.
func (c *closeListeners) take() []func() {
	out := make([]func(), 0, len(c.fns))
	for _, fn := range c.fns {
		out = append(out, fn)
	}
	c.fns = nil
	return out
}

// sortedFields flattens h into header pairs ordered by name. Go's header map
// has no arrival order; sorting keeps the list stable.
func sortedFields(h http.Header, into []bridge.HeaderField) []bridge.HeaderField {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			into = append(into, bridge.HeaderField{Name: k, Value: v})
		}
	}
	return into
}

// framingHeader reports headers the native server computes itself.
func framingHeader(name string) bool {
	return strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "Transfer-Encoding")
}
