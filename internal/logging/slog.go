package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// The operational logger covers daemon lifecycle, registry health
// transitions, breaker trips, and plan outcomes — everything that is not
// a per-dispatch record (those go through Logger in logger.go). It is
// swappable at runtime so Configure can switch the handler format
// without racing in-flight log calls.
var (
	opLogger atomic.Pointer[slog.Logger]
	opLevel  = new(slog.LevelVar)
)

func init() {
	opLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opLevel})))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// Configure rebuilds the operational logger: format "json" for
// aggregator-friendly output, anything else for plain text, and a level
// string per SetLevelFromString.
func Configure(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{Level: opLevel}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// SetLevelFromString adjusts the dynamic level. Unrecognized values are
// ignored so a typo in config degrades to the previous level instead of
// silencing or flooding the daemon.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		opLevel.Set(slog.LevelDebug)
	case "info":
		opLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		opLevel.Set(slog.LevelWarn)
	case "error":
		opLevel.Set(slog.LevelError)
	}
}
