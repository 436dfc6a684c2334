/*
Package corelog is the coordinator's structured logging setup: a single
zerolog.Logger configured once at process start, with child-logger
helpers scoped to a component or a stream so every log line carries
enough context to grep a single stream's history out of a node's log.

This is the same shape as the teacher's pkg/log: a package-level Logger,
an Init that wires level/output, and With* helpers for child loggers —
reshaped from node/service/task scoping to component/stream scoping.
*/
package corelog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init. It defaults to
// a plain stderr console writer so packages that log before main calls
// Init (e.g. in tests) do not panic on a zero-value logger.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Level names a logging verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger from cfg. Call once at process start.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with a component name, e.g.
// "dispatcher", "cluster", "aux".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithStream returns a child logger scoped to one stream id.
func WithStream(streamID string) zerolog.Logger {
	return Logger.With().Str("stream", streamID).Logger()
}

// WithNode returns a child logger scoped to one cluster node.
func WithNode(node string) zerolog.Logger {
	return Logger.With().Str("node", node).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs msg at error level with err attached.
func Errorf(msg string, err error) {
	Logger.Error().Err(err).Msg(msg)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
