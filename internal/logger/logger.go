// Package logger configures the process-wide zerolog root logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the root logger. Components derive sub-loggers with For.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Configure sets the global level and output. Debug level is enabled by the
// verbose tracing flag. A terminal gets the human console writer, anything
// else gets JSON lines.
func Configure(verbose bool, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if out == nil {
		out = os.Stderr
	}
	writer := out
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = Logger
	return Logger
}

// For returns a sub-logger tagged with the component name.
func For(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Nop is a disabled logger for tests and offline tools.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
