package util

import (
	"fmt"

	"github.com/pion/logging"
)

// Compile-time interface checks.
var (
	_ logging.LoggerFactory = PionLoggerFactory{}
	_ logging.LeveledLogger = (*pionLogger)(nil)
)

// PionLoggerFactory routes pion's internal (ICE, DTLS, SCTP, ...) logging
// into the pterm logger. Info is demoted to debug because pion is chatty
// at that level; trace is dropped.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) prefix(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

// debugf drops pion's debug and info chatter before formatting unless
// debug output is on.
func (l *pionLogger) debugf(f string, a ...any) {
	if !DebugEnabled() {
		return
	}
	LogDebug("%s", l.prefix(fmt.Sprintf(f, a...)))
}

func (l *pionLogger) Trace(string)              {}
func (l *pionLogger) Tracef(string, ...any)     {}
func (l *pionLogger) Debug(msg string)          { l.debugf("%s", msg) }
func (l *pionLogger) Debugf(f string, a ...any) { l.debugf(f, a...) }
func (l *pionLogger) Info(msg string)           { l.debugf("%s", msg) }
func (l *pionLogger) Infof(f string, a ...any)  { l.debugf(f, a...) }
func (l *pionLogger) Warn(msg string)           { LogWarning("%s", l.prefix(msg)) }
func (l *pionLogger) Warnf(f string, a ...any)  { LogWarning("%s", l.prefix(fmt.Sprintf(f, a...))) }
func (l *pionLogger) Error(msg string)          { LogError("%s", l.prefix(msg)) }
func (l *pionLogger) Errorf(f string, a ...any) { LogError("%s", l.prefix(fmt.Sprintf(f, a...))) }
