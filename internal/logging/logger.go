// Package logging provides structured logging for the dispatcher, in both
// foreground and daemonized modes.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with dispatcher-specific output selection.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
}

// New creates a logger writing console-formatted records to w.
func New(w io.Writer) *Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "01/02/2006 03:04:05 PM",
	}
	return &Logger{
		zlog:   zerolog.New(output).With().Timestamp().Logger(),
		output: output,
	}
}

// NewDefault creates a logger writing to stderr, matching the original's
// setup_logging default for non-daemon mode.
func NewDefault() *Logger {
	return New(os.Stderr)
}

// NewFile creates a logger that appends structured records to the file at
// path, matching the original's DAEMON_LOG file handler.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// With creates a child logger scoped to a named component, e.g.
// logger.With().Str("poller", name).Logger() for per-poller context,
// mirroring the original's logging.getLogger('pollers.%s' % name).
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// SetDebug raises or lowers the global log level.
func SetDebug(enabled bool) {
	if enabled {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "01/02/2006 03:04:05 PM",
	})
}
