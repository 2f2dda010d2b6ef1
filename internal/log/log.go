// Package log provides structured, level-gated operational logging for the
// proxy. It is separate from internal/audit, which records one JSONL entry
// per HTTP transaction; this package is the terse INFO / full DEBUG stream
// for accept/CONNECT/mint/cache chatter, not transaction bodies.
//
// Each entry is written as a single line with fixed-width columns:
//
//	2006-01-02 15:04:05.000 | MODULE       | ACTION               | LEVEL | message
//
// Levels (lowest to highest): debug, info, warn, error. Entries below the
// configured minimum level are silently dropped.
//
// Emission never blocks the request path: Write submits to a bounded
// channel drained by a single background goroutine. A full channel drops
// the line and increments a counter retrievable via Dropped.
package log

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Level represents a log severity.
type Level int

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

const defaultQueueSize = 4096

// Logger writes structured log lines for a single module through a
// non-blocking background writer.
type Logger struct {
	module string
	level  atomic.Int32

	lines   chan string
	dropped atomic.Int64
	done    chan struct{}
}

// New creates a Logger for the given module, gated at the given level, that
// writes to out via a dedicated background goroutine.
func New(module string, level Level, out io.Writer) *Logger {
	l := &Logger{
		module: strings.ToUpper(module),
		lines:  make(chan string, defaultQueueSize),
		done:   make(chan struct{}),
	}
	l.level.Store(int32(level))
	go l.drain(out)
	return l
}

func (l *Logger) drain(out io.Writer) {
	defer close(l.done)
	for line := range l.lines {
		fmt.Fprintln(out, line)
	}
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Dropped reports how many log lines were discarded because the writer
// queue was saturated. A non-zero, growing value means the background
// drain goroutine cannot keep up.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close stops accepting new lines and waits for the writer goroutine to
// flush the remaining queue.
func (l *Logger) Close() {
	close(l.lines)
	<-l.done
}

func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, "DEBUG", action, msg) }
func (l *Logger) Info(action, msg string)  { l.write(LevelInfo, "INFO ", action, msg) }
func (l *Logger) Warn(action, msg string)  { l.write(LevelWarn, "WARN ", action, msg) }
func (l *Logger) Error(action, msg string) { l.write(LevelError, "ERROR", action, msg) }

func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

func (l *Logger) write(level Level, label, action, msg string) {
	if level < Level(l.level.Load()) {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	line := fmt.Sprintf("%s | %-12s | %-22s | %s | %s", ts, l.module, action, label, msg)
	select {
	case l.lines <- line:
	default:
		l.dropped.Add(1)
	}
}

// ParseLevel converts a string to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
