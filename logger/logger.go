// Package logger defines the minimal leveled logging surface the engine and
// server log through. Adapters exist for phuslu-style JSON output, slog, and
// a silent logger for tests.
package logger

// Logger accepts a message plus alternating key/value pairs, the shape the
// engine uses for check, write, and decision log events.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc produces the correlation ID stamped on each request's log
// lines. Implementations must be safe for concurrent use.
type TraceIDFunc func() string
