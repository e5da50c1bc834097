// Package logger provides leveled logging for the learning coordinator.
//
// The console logger is thread-safe, prefixes every line with a [HH:MM:SS]
// timestamp, and colors level tags when writing to a terminal.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger is the minimal logging contract components depend on.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Log level constants for filtering
const (
	levelDebug int = iota
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[string]int{
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// ConsoleLogger writes timestamped, level-filtered log lines to a writer.
// Color output is enabled automatically when the writer is a TTY.
type ConsoleLogger struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel int
	colored  bool
}

// NewConsoleLogger creates a ConsoleLogger writing to the given writer.
// If writer is nil, messages are discarded. level accepts debug, info,
// warn, or error (case-insensitive); anything else defaults to info.
func NewConsoleLogger(writer io.Writer, level string) *ConsoleLogger {
	min, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		min = levelInfo
	}
	return &ConsoleLogger{
		writer:   writer,
		minLevel: min,
		colored:  isTerminal(writer),
	}
}

// isTerminal reports whether the writer is stdout/stderr with color support.
// The color library's NoColor flag already accounts for NO_COLOR and TTY
// detection.
func isTerminal(w io.Writer) bool {
	if w != os.Stdout && w != os.Stderr {
		return false
	}
	return !color.NoColor
}

func (l *ConsoleLogger) Debugf(format string, args ...any) {
	l.log(levelDebug, "DEBUG", color.FgHiBlack, format, args...)
}

func (l *ConsoleLogger) Infof(format string, args ...any) {
	l.log(levelInfo, "INFO", color.FgCyan, format, args...)
}

func (l *ConsoleLogger) Warnf(format string, args ...any) {
	l.log(levelWarn, "WARN", color.FgYellow, format, args...)
}

func (l *ConsoleLogger) Errorf(format string, args ...any) {
	l.log(levelError, "ERROR", color.FgRed, format, args...)
}

func (l *ConsoleLogger) log(level int, tag string, attr color.Attribute, format string, args ...any) {
	if l.writer == nil || level < l.minLevel {
		return
	}

	if l.colored {
		tag = color.New(attr).Sprint(tag)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.writer, "[%s] %s %s\n",
		time.Now().Format("15:04:05"), tag, fmt.Sprintf(format, args...))
}

// Nop returns a logger that discards everything. Useful in tests and as a
// default when callers pass nil.
func Nop() Logger {
	return &ConsoleLogger{}
}
