// Package util provides shared logging and statistics helpers.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled printf-style logging over pterm's default logger (stdout).
// Arguments are only formatted when the level is shown.

func LogDebug(format string, args ...any)   { logf(pterm.LogLevelDebug, format, args) }
func LogInfo(format string, args ...any)    { logf(pterm.LogLevelInfo, format, args) }
func LogWarning(format string, args ...any) { logf(pterm.LogLevelWarn, format, args) }
func LogError(format string, args ...any)   { logf(pterm.LogLevelError, format, args) }

// LogSuccess logs at info level, highlighted.
func LogSuccess(format string, args ...any) {
	if !pterm.DefaultLogger.CanPrint(pterm.LogLevelInfo) {
		return
	}
	pterm.DefaultLogger.Info(pterm.Green(fmt.Sprintf(format, args...)))
}

func logf(level pterm.LogLevel, format string, args []any) {
	l := pterm.DefaultLogger
	if !l.CanPrint(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)

	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	case pterm.LogLevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// EnableDebug shows debug messages, including pion's.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug output is currently shown.
func DebugEnabled() bool {
	return pterm.DefaultLogger.CanPrint(pterm.LogLevelDebug)
}
