// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

// New returns a logger writing to w (stderr when nil). format is either
// "json" or "console"; anything else falls back to console output.
func New(level, format string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}

	logger := &log.Logger{
		Level:      log.ParseLevel(strings.ToLower(strings.TrimSpace(level))),
		TimeFormat: "15:04:05.000",
	}

	if strings.EqualFold(format, "json") {
		logger.TimeFormat = ""
		logger.Writer = &log.IOWriter{Writer: w}
		return logger
	}

	logger.Writer = &log.ConsoleWriter{
		Writer:         w,
		ColorOutput:    w == os.Stderr || w == os.Stdout,
		EndWithMessage: true,
	}
	return logger
}

// Discard returns a logger that drops every event. Handy for tests.
func Discard() *log.Logger {
	return &log.Logger{Level: log.PanicLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

// OrDefault returns logger, or the package default when logger is nil.
func OrDefault(logger *log.Logger) *log.Logger {
	if logger == nil {
		return &log.DefaultLogger
	}
	return logger
}
