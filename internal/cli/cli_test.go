package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vegeta "github.com/tsenart/vegeta/lib"

	"fetchbridge/pkg/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(BuildInfo{Version: "v1.0.0", Commit: "abc123", BuildDate: "2026-01-01"})
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fetchbridge v1.0.0 (commit: abc123, built: 2026-01-01)\n", out)
}

func TestBenchAgainstServer(t *testing.T) {
	var hits atomic.Int64
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody.Store(r.Method + " " + r.Header.Get("X-Bench") + " " + buf.String())
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out, err := run(t, "bench",
		"--target", srv.URL+"/echo",
		"--method", "post",
		"--body", "hi",
		"--header", "X-Bench: yes",
		"--rps", "20",
		"--duration", "250ms",
		"--workers", "2",
	)
	require.NoError(t, err)

	assert.Positive(t, hits.Load())
	assert.Equal(t, "POST yes hi", gotBody.Load())
	assert.Contains(t, out, "Target:      POST "+srv.URL+"/echo")
	assert.Contains(t, out, "Success:     100.00%")
	assert.Contains(t, out, "Status:      200:")
	assert.Contains(t, out, "Latency:")
}

func TestBenchRejectsBadInput(t *testing.T) {
	_, err := run(t, "bench", "--rps", "0")
	assert.ErrorContains(t, err, "--rps")

	_, err = run(t, "bench", "--duration", "0s")
	assert.ErrorContains(t, err, "--duration")

	_, err = run(t, "bench", "--header", "no-colon", "--duration", "10ms")
	assert.ErrorContains(t, err, "invalid header")
}

func TestWriteBenchReport(t *testing.T) {
	m := &vegeta.Metrics{
		Requests:    4,
		Rate:        2,
		Throughput:  2,
		Success:     0.75,
		StatusCodes: map[string]int{"200": 3, "500": 1},
		Errors:      []string{"500 Internal Server Error"},
		Latencies: vegeta.LatencyMetrics{
			Mean: 2 * time.Millisecond,
			P50:  time.Millisecond,
			P95:  4 * time.Millisecond,
			P99:  5 * time.Millisecond,
			Max:  6 * time.Millisecond,
		},
		BytesIn: vegeta.ByteMetrics{Total: 2048, Mean: 512},
	}
	var buf bytes.Buffer
	writeBenchReport(&buf, BenchConfig{Target: "http://h/", Method: "get"}, m)

	out := buf.String()
	assert.Contains(t, out, "Target:      GET http://h/\n")
	assert.Contains(t, out, "Success:     75.00%\n")
	assert.Contains(t, out, "Latency:     mean 2ms | p50 1ms | p95 4ms | p99 5ms | max 6ms\n")
	assert.Contains(t, out, "Bytes in:    2.0 KiB (mean 512 B)\n")
	assert.Contains(t, out, "Status:      200:3 500:1\n")
	assert.Contains(t, out, "  500 Internal Server Error\n")
}

func TestBenchTarget(t *testing.T) {
	cfg := BenchConfig{Target: "http://h/", Method: "put", Body: "x", Headers: []string{"A: 1", "A: 2"}}
	tgt, err := cfg.target()
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, tgt.Method)
	assert.Equal(t, []byte("x"), tgt.Body)
	assert.Equal(t, []string{"1", "2"}, tgt.Header.Values("A"))
}

func TestLoadConfigFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("FETCHBRIDGE_SERVER_PORT", "9090")
	t.Setenv("FETCHBRIDGE_SERVER_HOST", "fasthttp")

	eff, err := loadConfig(config.Flags{Config: "config.yaml", Set: map[string]bool{}})
	require.NoError(t, err)
	assert.Equal(t, "env", eff.Source)
	assert.Equal(t, "0.0.0.0:9090", eff.Addr)
	assert.Equal(t, config.HostFastHTTP, eff.Config.Server.Host)
	assert.Equal(t, "/metrics", eff.Config.Metrics.Path)
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "fb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7000\nbridge:\n  handler_timeout: 2s\n"), 0o600))

	eff, err := loadConfig(config.Flags{Config: path, Addr: "127.0.0.1:7100", Set: map[string]bool{"config": true, "addr": true}})
	require.NoError(t, err)
	assert.Equal(t, "flags", eff.Source)
	assert.Equal(t, "127.0.0.1:7100", eff.Addr)
	assert.Equal(t, 2*time.Second, eff.Config.Bridge.HandlerTimeout.Duration())
}

func TestLoadConfigErrors(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := loadConfig(config.Flags{Config: "missing.yaml", Set: map[string]bool{"config": true}})
	assert.ErrorContains(t, err, "failed to build effective config")

	_, err = loadConfig(config.Flags{Config: "config.yaml", Host: "apache", Set: map[string]bool{"host": true}})
	assert.ErrorContains(t, err, "invalid configuration")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
