package logger

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Log is the process-wide logger. Helpers below are no-ops until Init runs.
var Log *slog.Logger

type asyncWriter struct {
	ch chan []byte
}

func (a *asyncWriter) Write(p []byte) (n int, err error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case a.ch <- cp:
	default:
		// queue full: drop rather than block the request path
	}
	return len(p), nil
}

var (
	logCh     chan []byte
	logStopCh chan struct{}
	logWG     sync.WaitGroup
)

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs an async buffered text logger. An empty level falls back to
// FETCHBRIDGE_LOG_LEVEL. FETCHBRIDGE_LOG_SINK=file:/path redirects output
// from stdout to a file.
func Init(level string) {
	if strings.TrimSpace(level) == "" {
		level = os.Getenv("FETCHBRIDGE_LOG_LEVEL")
	}
	sink := os.Getenv("FETCHBRIDGE_LOG_SINK")

	logCh = make(chan []byte, 10000)
	logStopCh = make(chan struct{})
	Log = slog.New(slog.NewTextHandler(&asyncWriter{ch: logCh}, &slog.HandlerOptions{Level: ParseLevel(level)}))

	logWG.Add(1)
	go drain(sink, logCh, logStopCh)
}

func drain(sink string, ch <-chan []byte, stop <-chan struct{}) {
	defer logWG.Done()
	var out io.Writer = os.Stdout
	var f *os.File
	if path, ok := strings.CutPrefix(sink, "file:"); ok {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		} else {
			out = f
		}
	}
	buf := bufio.NewWriterSize(out, 8192)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case b := <-ch:
			buf.Write(b)
		case <-ticker.C:
			buf.Flush()
		case <-stop:
			// pick up whatever is still queued
			for len(ch) > 0 {
				buf.Write(<-ch)
			}
			buf.Flush()
			if f != nil {
				f.Close()
			}
			return
		}
	}
}

// SetOutput replaces the logger with a synchronous one writing to w. Tests
// use it to capture records.
func SetOutput(w io.Writer, level slog.Level) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Sync flushes any buffered logs and stops the writer goroutine.
func Sync() {
	if logStopCh != nil {
		close(logStopCh)
		logWG.Wait()
		logStopCh = nil
	}
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// LogConfigSummary prints a titled block of configuration lines to stdout,
// bypassing the structured logger so it stays readable in a terminal.
func LogConfigSummary(title string, items []string) {
	if len(items) == 0 {
		return
	}
	header := "== " + strings.ReplaceAll(title, "_", " ") + " "
	const width = 60
	if len(header) < width {
		header += strings.Repeat("=", width-len(header))
	}
	fmt.Fprintln(os.Stdout, header)
	for _, it := range items {
		fmt.Fprintln(os.Stdout, "- "+it)
	}
	fmt.Fprintln(os.Stdout)
}
