// Package log wraps zerolog with the component loggers used across
// mercury-fleet. Init must be called before any logger is derived; until then
// the package logger discards everything.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger.
var Logger = zerolog.Nop()

// Level is a log severity name as accepted on the command line.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls logger construction.
type Config struct {
	Level      Level
	JSONOutput bool
	// Output defaults to stderr.
	Output io.Writer
	// NoColor disables ANSI colors in console output. Set when the output is
	// rendered inside the operation TUI.
	NoColor bool
}

// Init replaces the package logger.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		NoColor:    cfg.NoColor,
		TimeFormat: time.Kitchen,
	}).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a child logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithStack returns a child logger tagged with the Pulumi project and stack.
func WithStack(project, stack string) zerolog.Logger {
	return Logger.With().Str("project", project).Str("stack", stack).Logger()
}
