package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"fetchbridge/pkg/logger"
)

// exit is swapped in tests.
var exit = os.Exit

// Abort logs a fatal startup error, writes a crash dump under dumpDir (the
// working directory when empty) and exits with status 2.
func Abort(contextMsg string, err error, dumpDir string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	path, derr := WriteCrashDump(dumpDir, contextMsg, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		logger.Info("wrote_crash_dump", "path", path)
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", path)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", contextMsg, err)
	logger.Sync()
	exit(2)
}

// WriteCrashDump writes reason, err, the environment and all goroutine
// stacks to dir/crash/crash-<nanos>.log and returns the file path.
func WriteCrashDump(dir, reason string, err error) (string, error) {
	if dir == "" {
		dir = "."
	}
	crashDir := filepath.Join(dir, "crash")
	if e := os.MkdirAll(crashDir, 0o700); e != nil {
		return "", fmt.Errorf("failed to create crash dir: %w", e)
	}

	f, ferr := os.CreateTemp(crashDir, ".crash-*.tmp")
	if ferr != nil {
		return "", fmt.Errorf("failed to create temp crash file: %w", ferr)
	}
	tmpName := f.Name()
	defer func() { _ = os.Remove(tmpName) }()

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %v\n", err)
	fmt.Fprintf(f, "\n--- environ ---\n")
	for _, e := range os.Environ() {
		fmt.Fprintln(f, e)
	}
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	_, _ = f.Write(buf[:n])
	_ = f.Sync()
	if e := f.Close(); e != nil {
		return "", fmt.Errorf("failed to write crash dump: %w", e)
	}

	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	if e := os.Rename(tmpName, dumpPath); e != nil {
		return "", fmt.Errorf("failed to move crash dump into place: %w", e)
	}
	_ = os.Chmod(dumpPath, 0o600)
	return dumpPath, nil
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM. The
// cancel function stops watching.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	return ctx, cancel
}
