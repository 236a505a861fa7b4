package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is the level used for per-segment logging. It is below debug level
// so it is only printed when explicitly requested.
const LevelTrace slog.Level = slog.LevelDebug - 2

// HeapAllocDebugging forces log level checks to succeed when set. It is
// toggled by hand when chasing allocations on the hot path.
const HeapAllocDebugging = false

// LogEnabled reports whether l is non-nil and emits records at lvl.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is a helper function that is used by all package loggers. A nil
// logger discards the record.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// ParseLevel parses a level name as accepted by [slog.Level.UnmarshalText]
// with the addition of "trace" for [LevelTrace].
func ParseLevel(s string) (slog.Level, error) {
	if s == "trace" || s == "TRACE" {
		return LevelTrace, nil
	}
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
