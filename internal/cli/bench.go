package cli

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	vegeta "github.com/tsenart/vegeta/lib"
)

// BenchConfig describes one load run.
type BenchConfig struct {
	Target   string
	Method   string
	Body     string
	Headers  []string
	RPS      int
	Duration time.Duration
	Workers  uint64
}

func newBenchCmd() *cobra.Command {
	var cfg BenchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load test a running bridge",
		Long: `Run a constant-rate attack against a bridge endpoint and report
latency percentiles, status codes and bytes transferred.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := runBench(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			writeBenchReport(cmd.OutOrStdout(), cfg, m)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Target, "target", "http://localhost:8080/", "URL to attack")
	cmd.Flags().StringVar(&cfg.Method, "method", http.MethodGet, "HTTP method")
	cmd.Flags().StringVar(&cfg.Body, "body", "", "request body")
	cmd.Flags().StringArrayVar(&cfg.Headers, "header", nil, "request header as Name: value (repeatable)")
	cmd.Flags().IntVar(&cfg.RPS, "rps", 100, "requests per second")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "attack duration")
	cmd.Flags().Uint64Var(&cfg.Workers, "workers", uint64(runtime.NumCPU()), "initial attacker workers")
	return cmd
}

func (c BenchConfig) target() (vegeta.Target, error) {
	t := vegeta.Target{Method: strings.ToUpper(c.Method), URL: c.Target, Header: http.Header{}}
	if c.Body != "" {
		t.Body = []byte(c.Body)
	}
	for _, h := range c.Headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return t, fmt.Errorf("invalid header %q: want Name: value", h)
		}
		t.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return t, nil
}

// runBench attacks cfg.Target and returns the aggregated metrics. Live
// progress goes to progress.
func runBench(cfg BenchConfig, progress io.Writer) (*vegeta.Metrics, error) {
	if cfg.RPS <= 0 {
		return nil, fmt.Errorf("--rps must be positive")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("--duration must be positive")
	}
	target, err := cfg.target()
	if err != nil {
		return nil, err
	}

	targeter := vegeta.NewStaticTargeter(target)
	rate := vegeta.Rate{Freq: cfg.RPS, Per: time.Second}
	attacker := vegeta.NewAttacker(vegeta.Workers(cfg.Workers))

	metrics := &vegeta.Metrics{}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()

	results := attacker.Attack(targeter, rate, cfg.Duration, "fetchbridge")
	for done := false; !done; {
		select {
		case res, ok := <-results:
			if !ok {
				done = true
				break
			}
			metrics.Add(res)
		case <-ticker.C:
			remaining := cfg.Duration - time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
			fmt.Fprintf(progress, "\rRequests: %d | Remaining: %v", metrics.Requests, remaining.Round(time.Second))
		}
	}
	fmt.Fprintln(progress)
	metrics.Close()
	return metrics, nil
}

func writeBenchReport(w io.Writer, cfg BenchConfig, m *vegeta.Metrics) {
	fmt.Fprintf(w, "Target:      %s %s\n", strings.ToUpper(cfg.Method), cfg.Target)
	fmt.Fprintf(w, "Requests:    %d (%.1f/s sent, %.1f/s ok)\n", m.Requests, m.Rate, m.Throughput)
	fmt.Fprintf(w, "Success:     %.2f%%\n", m.Success*100)
	fmt.Fprintf(w, "Latency:     mean %s | p50 %s | p95 %s | p99 %s | max %s\n",
		m.Latencies.Mean, m.Latencies.P50, m.Latencies.P95, m.Latencies.P99, m.Latencies.Max)
	fmt.Fprintf(w, "Bytes in:    %s (mean %s)\n", humanize.IBytes(m.BytesIn.Total), humanize.IBytes(uint64(m.BytesIn.Mean)))
	fmt.Fprintf(w, "Bytes out:   %s (mean %s)\n", humanize.IBytes(m.BytesOut.Total), humanize.IBytes(uint64(m.BytesOut.Mean)))

	codes := make([]string, 0, len(m.StatusCodes))
	for code := range m.StatusCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		parts = append(parts, fmt.Sprintf("%s:%d", code, m.StatusCodes[code]))
	}
	fmt.Fprintf(w, "Status:      %s\n", strings.Join(parts, " "))

	if len(m.Errors) > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, e := range m.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}
