// Package logging builds the zerolog.Logger shared by every orchestration
// component (portpool, pidtracker, supervisor, orchestrator, terminal).
//
// PocketBase-facing code (internal/audit, internal/worker, internal/hooks in
// the teacher repo) keeps using the stdlib log package, matching the
// teacher's own choice in those exact files; this package only covers the
// non-PocketBase half of the stack, the same split the teacher itself has
// between cmd/appos (PocketBase, stdlib log) and cmd/server (zerolog).
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls level and output format.
type Config struct {
	Level  string // "debug", "info", "warn", "error"; default "info"
	Pretty bool   // console-writer output instead of JSON lines
}

// New builds a zerolog.Logger per Config.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var w = os.Stderr
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
