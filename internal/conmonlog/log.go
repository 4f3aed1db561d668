// Package conmonlog builds the monitor's own zerolog.Logger, honoring the
// stdout/systemd LogDriver choice (spec.md §6.3), the way the teacher wires
// a zerolog.Logger into Runtime.Log / Container.Log.
package conmonlog

import (
	"os"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"

	"github.com/containers/conmon-go/internal/config"
)

// New builds a component-scoped logger for the given driver and level.
func New(driver config.LogDriver, level zerolog.Level, component string) zerolog.Logger {
	var base zerolog.Logger
	switch driver {
	case config.LogDriverSystemd:
		base = zerolog.New(journalWriter{}).Level(level)
	default:
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).Level(level)
	}
	return base.With().Timestamp().Str("component", component).Logger()
}

// journalWriter adapts zerolog's io.Writer-based output to
// github.com/coreos/go-systemd/v22/journal, the same library podman's
// journal_linux.go eventer uses for structured records.
type journalWriter struct{}

func (journalWriter) Write(p []byte) (int, error) {
	if err := journal.Send(string(p), journal.PriInfo, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter so that each record is sent to
// the journal at the matching syslog priority instead of always "info".
func (journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	pri := levelPriority(level)
	if err := journal.Send(string(p), pri, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelPriority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return journal.PriDebug
	case zerolog.InfoLevel:
		return journal.PriInfo
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return journal.PriCrit
	default:
		return journal.PriNotice
	}
}

// ParseLevel maps the spec's trace/debug/info/warn/error/off vocabulary
// (spec.md §6.3) onto zerolog.Level.
func ParseLevel(s string) (zerolog.Level, error) {
	switch s {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, nil
	}
}
