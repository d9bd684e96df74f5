// Package logging builds the clue logger carried by every worker context.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"goa.design/clue/log"
	"golang.org/x/term"
)

// Options configures the logger.
type Options struct {
	Debug bool
	// Output defaults to stderr.
	Output io.Writer
	// Terminal selects human readable lines instead of JSON.
	Terminal bool
}

// Context returns ctx carrying a logger.
func Context(ctx context.Context, opts Options) context.Context {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	format := log.FormatJSON
	if opts.Terminal {
		format = log.FormatTerminal
	}
	logOpts := []log.LogOption{log.WithFormat(format), log.WithOutput(out)}
	if opts.Debug {
		logOpts = append(logOpts, log.WithDebug())
	}
	ctx = log.Context(ctx, logOpts...)
	// Info lines are written as they happen, not held until an error.
	log.FlushAndDisableBuffering(ctx)
	return ctx
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// DebugLogPath is where --debug copies every log line.
func DebugLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".odr-worker", "logs", "debug.log"), nil
}

// OpenDebugLog opens the debug log for appending and writes a session
// header.
func OpenDebugLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "\n=== Debug session started: %s ===\n", time.Now().Format("2006-01-02 15:04:05.000"))
	return f, nil
}

// Tee writes to the console and, for debug runs, to the debug log. The
// returned close function is never nil.
func Tee(console io.Writer, debug bool) (io.Writer, func()) {
	if !debug {
		return console, func() {}
	}
	path, err := DebugLogPath()
	if err != nil {
		return console, func() {}
	}
	f, err := OpenDebugLog(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: debug log unavailable: %v\n", err)
		return console, func() {}
	}
	return io.MultiWriter(console, f), func() { f.Close() }
}
