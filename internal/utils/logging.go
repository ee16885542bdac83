package utils

import (
	"io"

	"golang.org/x/exp/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard))

// LoggerOrDiscard returns logger, or a logger that drops everything when logger is nil
func LoggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return discardLogger
	}
	return logger
}
