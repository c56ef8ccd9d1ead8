// ABOUTME: Adapter that routes whatsmeow's printf-style logging onto slog
// ABOUTME: Sub-loggers become a "module" attribute instead of a name prefix

package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter implements waLog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

// newLogger wraps logger for whatsmeow.
func newLogger(logger *slog.Logger) waLog.Logger {
	return slogAdapter{logger: logger}
}

func (a slogAdapter) log(level slog.Level, msg string, args []any) {
	if !a.logger.Enabled(context.Background(), level) {
		return
	}
	a.logger.Log(context.Background(), level, fmt.Sprintf(msg, args...))
}

func (a slogAdapter) Errorf(msg string, args ...any) { a.log(slog.LevelError, msg, args) }
func (a slogAdapter) Warnf(msg string, args ...any)  { a.log(slog.LevelWarn, msg, args) }
func (a slogAdapter) Infof(msg string, args ...any)  { a.log(slog.LevelInfo, msg, args) }
func (a slogAdapter) Debugf(msg string, args ...any) { a.log(slog.LevelDebug, msg, args) }

func (a slogAdapter) Sub(module string) waLog.Logger {
	return slogAdapter{logger: a.logger.With("module", module)}
}
