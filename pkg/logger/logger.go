package logger

import (
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// New returns a *log.Logger that forwards lines to the slog logger at the given
// level, tagged with the component name. Libraries that only accept the stdlib
// logger (http.Server.ErrorLog, cron) write through it.
func New(base *slog.Logger, component string, level slog.Level) *log.Logger {
	return slog.NewLogLogger(base.With("component", component).Handler(), level)
}

// Printf adapts a slog logger to the Printf(format, args...) shape.
type Printf struct {
	Logger *slog.Logger
}

// Printf logs the formatted line at info level.
func (p Printf) Printf(format string, args ...any) {
	p.Logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
