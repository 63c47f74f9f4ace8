// Package catfslog wires up the process-wide structured logger. Severity is
// controlled by the CATFS_LOG environment variable (default "info"), the
// same shape as gcsfuse's debug-flag-driven severity override but read from
// the environment instead of a flag, per spec.md section 6.
package catfslog

import (
	"os"

	"github.com/rs/zerolog"
)

var base zerolog.Logger

func init() {
	base = New(os.Getenv("CATFS_LOG"), false)
}

// New builds a logger at the given level ("trace", "debug", "info", "warn",
// "error", default "info" on empty or unrecognized input). When toSyslog is
// true, output is sent to stderr with syslog-style timestamps instead of
// console colorization, for the daemonized (-f absent) case.
func New(level string, toSyslog bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out zerolog.ConsoleWriter
	if toSyslog {
		out = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: "Jan _2 15:04:05"}
	} else {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// L returns the process-wide logger.
func L() *zerolog.Logger { return &base }

// SetGlobal replaces the process-wide logger that L returns.
func SetGlobal(l zerolog.Logger) { base = l }
