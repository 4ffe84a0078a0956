// Package bcachelog is the engine's thin logging shim. It mirrors the
// teacher's minimal Logger interface (Println/Printf) while adding the
// structured Event call the control surface and device state machine use
// in place of kernel uevents.
package bcachelog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the interface every package in this module logs through. The
// zero value of Logger is invalid; use New or Nop.
type Logger interface {
	Printf(format string, args ...interface{})
	Println(args ...interface{})

	// Event emits a structured record equivalent to a kernel uevent:
	// kind is e.g. "attach", "detach", "label-change"; fields carries
	// DRIVER/CACHED_UUID/CACHED_LABEL-style key/value pairs.
	Event(kind string, fields map[string]string)

	// With returns a Logger that always attaches the given fields,
	// e.g. a per-device sub-logger.
	With(fields map[string]string) Logger
}

type zlog struct {
	z zerolog.Logger
}

// New returns a Logger that writes JSON lines to w.
func New(w io.Writer) Logger {
	return &zlog{z: zerolog.New(w).With().Timestamp().Logger()}
}

// Default returns a Logger writing to stderr, used by cmd/bcached when no
// explicit sink is configured.
func Default() Logger {
	return New(os.Stderr)
}

// Nop discards everything; handy for unit tests.
func Nop() Logger {
	return New(io.Discard)
}

func (l *zlog) Printf(format string, args ...interface{}) {
	l.z.Info().Msgf(format, args...)
}

func (l *zlog) Println(args ...interface{}) {
	l.z.Info().Msgf("%v", args)
}

func (l *zlog) Event(kind string, fields map[string]string) {
	ev := l.z.Info().Str("event", kind)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(kind)
}

func (l *zlog) With(fields map[string]string) Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return &zlog{z: ctx.Logger()}
}
