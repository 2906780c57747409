// Package logger configures zerolog output for the hack daemon.
//
// The daemon writes human-readable logs to stderr and JSON logs to a
// rotated file under the daemon state directory. Components receive a
// zerolog.Logger via construction; nothing outside main touches the
// writers directly.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Debug lowers the level from info to debug.
	Debug bool

	// LogFile is the rotated JSON log destination. Empty disables file
	// output (console only).
	LogFile string

	// ConsoleOut overrides the console destination. Defaults to stderr.
	// Tests point this at a buffer.
	ConsoleOut io.Writer

	// MaxSizeMB, MaxAgeDays and MaxBackups tune rotation. Zero values
	// fall back to 50 MB / 7 days / 3 backups.
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Logger wraps a zerolog.Logger with the file writer so the daemon can
// close it cleanly on shutdown.
type Logger struct {
	zerolog.Logger

	file *lumberjack.Logger
}

// New builds a logger per Options. The log directory is created on
// demand.
func New(opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	consoleOut := opts.ConsoleOut
	if consoleOut == nil {
		consoleOut = os.Stderr
	}
	console := zerolog.ConsoleWriter{
		Out:        consoleOut,
		TimeFormat: time.RFC3339,
	}

	l := &Logger{}
	var sink io.Writer = console

	if opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory for %s: %w", opts.LogFile, err)
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    defaultInt(opts.MaxSizeMB, 50),
			MaxAge:     defaultInt(opts.MaxAgeDays, 7),
			MaxBackups: defaultInt(opts.MaxBackups, 3),
			LocalTime:  true,
		}
		sink = io.MultiWriter(console, l.file)
	}

	l.Logger = zerolog.New(sink).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Close flushes and closes the file writer, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Component returns a child logger tagged with a component name, the
// convention used across the daemon for log filtering.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
