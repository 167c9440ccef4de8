// Package log provides zerolog-backed structured logging with
// component-scoped helper loggers for the scheduling core. Call sites
// consistently need a component name plus one piece of domain context
// (which task, which job, which host) on every line, so the composite
// helpers below bake that pairing in rather than leaving every call site to
// chain the same .Str() calls.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger scoped to one subsystem (scheduler,
// cron, state, storage, ...), with no further domain context attached.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// Task creates a child logger scoped to component and the task it is
// reporting on, for the scheduler/state/storage call sites that log once
// per task decision.
func Task(component, taskID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("task_id", taskID).Logger()
}

// Job creates a child logger scoped to component and the job it is
// reporting on (its slash-separated path), for the cron/admission call
// sites that log once per job.
func Job(component, jobKey string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("job_key", jobKey).Logger()
}

// Host creates a child logger scoped to component and the slave host it is
// reporting on, for scheduler/preempter placement decisions.
func Host(component, host string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("slave_host", host).Logger()
}
