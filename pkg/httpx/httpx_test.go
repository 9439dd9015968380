package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fetchbridge/pkg/bridge"
)

func helloBridge() *bridge.Bridge {
	return bridge.New(func(req *bridge.Request, _ bridge.Bindings) (*bridge.Response, error) {
		switch req.URL().Path {
		case "/decline":
			return nil, fmt.Errorf("declined")
		case "/echo":
			data, err := req.ReadAll()
			if err != nil {
				return nil, err
			}
			res := bridge.NewResponse(200, bridge.Bytes(data))
			res.Header.Set("Content-Type", "application/octet-stream")
			return res, nil
		case "/json-stream":
			res := bridge.NewResponse(200, bridge.Stream(strings.NewReader(`{"streamed":true}`)))
			res.Header.Set("Content-Type", "application/json")
			return res, nil
		case "/events":
			res := bridge.NewResponse(200, bridge.Stream(events(req.Context(), 3, time.Millisecond)))
			res.Header.Set("Content-Type", "text/event-stream")
			return res, nil
		case "/href":
			res := bridge.Text(200, req.Href())
			res.Header.Set("X-Method", req.Method())
			return res, nil
		}
		return bridge.Text(200, "hello"), nil
	}, bridge.Options{
		ErrorHandler: func(_ context.Context, err error) *bridge.Response {
			if strings.Contains(err.Error(), "declined") {
				return nil
			}
			return bridge.Text(500, err.Error())
		},
	})
}

// events writes n server-sent events, or runs until ctx ends when n < 0.
func events(ctx context.Context, n int, every time.Duration) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		for i := 0; n < 0 || i < n; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(every):
			}
			if _, err := fmt.Fprintf(pw, "data: %d\n\n", i); err != nil {
				return
			}
		}
	}()
	return pr
}

// waitingBridge holds the response until the request signal fires and
// reports its cause.
func waitingBridge(cause chan<- error) *bridge.Bridge {
	return bridge.New(func(req *bridge.Request, _ bridge.Bindings) (*bridge.Response, error) {
		select {
		case <-req.Context().Done():
			cause <- context.Cause(req.Context())
			return nil, context.Cause(req.Context())
		case <-time.After(5 * time.Second):
			cause <- nil
			return bridge.Empty(http.StatusNoContent), nil
		}
	}, bridge.Options{})
}

// disconnectBridge streams forever and reports the cancellation cause.
func disconnectBridge(cause chan<- error) *bridge.Bridge {
	return bridge.New(func(req *bridge.Request, _ bridge.Bindings) (*bridge.Response, error) {
		go func() {
			<-req.Context().Done()
			cause <- context.Cause(req.Context())
		}()
		res := bridge.NewResponse(200, bridge.Stream(events(req.Context(), -1, 5*time.Millisecond)))
		res.Header.Set("Content-Type", "text/event-stream")
		return res, nil
	}, bridge.Options{})
}
