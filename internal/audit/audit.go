// Package audit provides the structured logger used across the signer:
// one zerolog logger per run, tagged with a correlation ID so a single
// signing operation's log lines can be grepped out of a shared log file.
package audit

import (
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Run is a logger scoped to a single signing operation.
type Run struct {
	Logger zerolog.Logger
	ID     string
}

// New starts a Run, writing to w (os.Stderr if nil) at info level, or
// debug level if verbose is set.
func New(w io.Writer, verbose bool) *Run {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	id := uuid.NewString()
	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("run_id", id).
		Logger()
	return &Run{Logger: logger, ID: id}
}

// WithFields returns a derived logger carrying the given key/value pairs,
// for a step that wants extra structured context (input, digest) without
// repeating it on every call site.
func (r *Run) WithFields(fields map[string]string) zerolog.Logger {
	ctx := r.Logger.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}
