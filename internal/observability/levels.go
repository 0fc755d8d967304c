package observability

import (
	"log/slog"
	"sync/atomic"
)

// LevelTrace is a custom level below slog.LevelDebug for very chatty
// output such as per-frame dispatch progress.
const LevelTrace = slog.Level(-8)

// levelVar is the dynamic level shared by every logger built through
// NewLoggerWithWriter, so the level can be changed at runtime.
var levelVar = new(slog.LevelVar)

// requestLoggingEnabled gates per-request HTTP access logging. Errors are
// always logged regardless of this flag.
var requestLoggingEnabled atomic.Bool

func init() {
	requestLoggingEnabled.Store(true)
}

// SetLogLevel changes the log level of all loggers at runtime.
// Unknown levels fall back to info.
func SetLogLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// GetLogLevel returns the current log level as a string.
func GetLogLevel() string {
	switch lvl := levelVar.Level(); {
	case lvl <= LevelTrace:
		return "trace"
	case lvl <= slog.LevelDebug:
		return "debug"
	case lvl <= slog.LevelInfo:
		return "info"
	case lvl <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// SetRequestLogging toggles HTTP request logging at runtime.
func SetRequestLogging(enabled bool) {
	requestLoggingEnabled.Store(enabled)
}

// IsRequestLoggingEnabled reports whether HTTP request logging is on.
func IsRequestLoggingEnabled() bool {
	return requestLoggingEnabled.Load()
}
