// Package logger configures the process-wide zerolog.Logger used by every
// Sentinel component. Components never reach for a package-level logger;
// one is built here and passed to each component that logs (the
// admission pipeline, the relay, the router).
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/keystonegw/sentinel/internal/config"
)

// New returns a configured zerolog.Logger: console writer with debug level
// in development, JSON with info level otherwise.
func New(cfg *config.Config) zerolog.Logger {
	lvl := zerolog.InfoLevel
	var out zerolog.LevelWriter
	if cfg.IsDevelopment() {
		lvl = zerolog.DebugLevel
		cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		out = levelWriterAdapter{cw}
	} else {
		out = levelWriterAdapter{os.Stdout}
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Str("service", "sentinel").Logger()
}

// levelWriterAdapter lets a plain io.Writer satisfy zerolog.LevelWriter so
// New can return either the console writer or stdout through one path.
type levelWriterAdapter struct {
	w interface {
		Write(p []byte) (int, error)
	}
}

func (a levelWriterAdapter) Write(p []byte) (int, error) { return a.w.Write(p) }
func (a levelWriterAdapter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return a.w.Write(p)
}
