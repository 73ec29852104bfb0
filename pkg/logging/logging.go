// Package logging builds the root hclog logger for the binaries.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// New returns a logger named after the binary. Unknown levels fall back
// to info.
func New(name, level string, json bool) hclog.Logger {
	return NewWithOutput(name, level, json, os.Stderr)
}

func NewWithOutput(name, level string, json bool, out io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      lvl,
		JSONFormat: json,
		Output:     out,
	})
}
