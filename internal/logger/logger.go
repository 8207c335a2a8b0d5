// Package logger constructs the root hclog logger shared by all processes.
// Components derive named sub-loggers from it (logger.Named("reaper") etc).
package logger

import (
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options controls root logger construction.
type Options struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Format is "json" or "text".
	Format string
	// Name is the process name prefixed to every line.
	Name string
}

// New builds the root logger for a process.
func New(opts Options) hclog.Logger {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	name := opts.Name
	if name == "" {
		name = "clipforge"
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
	})
}

// Nop returns a logger that discards everything, for tests.
func Nop() hclog.Logger {
	return hclog.NewNullLogger()
}
