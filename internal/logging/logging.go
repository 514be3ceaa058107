// Package logging builds the component loggers used across posmirror.
//
// Every component gets a stdlib *log.Logger with a "[component] " prefix.
// All of them share one writer: stderr by default, or a size-rotated file
// when a log file is configured.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination. Zero values fall back to lumberjack's
// defaults (100 MB, no age or backup limit).
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Stderr replaces os.Stderr when File is empty. Used by tests.
	Stderr io.Writer
}

// Factory hands out loggers writing to one shared destination.
type Factory struct {
	out    io.Writer
	closer io.Closer
	flags  int

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a Factory for opts.
func New(opts Options) *Factory {
	f := &Factory{
		flags:   log.LstdFlags,
		loggers: make(map[string]*log.Logger),
	}

	switch {
	case opts.File != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		f.out = rotator
		f.closer = rotator
	case opts.Stderr != nil:
		f.out = opts.Stderr
	default:
		f.out = os.Stderr
	}
	return f
}

// Discard returns a Factory whose loggers drop everything.
func Discard() *Factory {
	return &Factory{out: io.Discard, loggers: make(map[string]*log.Logger)}
}

// Logger returns the logger for component, creating it on first use.
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := log.New(f.out, "["+component+"] ", f.flags)
	f.loggers[component] = l
	return l
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Rotate starts a new log file. It is a no-op when logging to stderr.
func (f *Factory) Rotate() error {
	if r, ok := f.closer.(*lumberjack.Logger); ok {
		return r.Rotate()
	}
	return nil
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
