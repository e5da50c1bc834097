package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleLoggerLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logFunc  func(l *ConsoleLogger)
		expected bool
	}{
		{
			name:     "debug suppressed at info level",
			level:    "info",
			logFunc:  func(l *ConsoleLogger) { l.Debugf("hidden") },
			expected: false,
		},
		{
			name:     "info emitted at info level",
			level:    "info",
			logFunc:  func(l *ConsoleLogger) { l.Infof("visible") },
			expected: true,
		},
		{
			name:     "warn emitted at error level is suppressed",
			level:    "error",
			logFunc:  func(l *ConsoleLogger) { l.Warnf("hidden") },
			expected: false,
		},
		{
			name:     "error always emitted",
			level:    "error",
			logFunc:  func(l *ConsoleLogger) { l.Errorf("visible") },
			expected: true,
		},
		{
			name:     "invalid level defaults to info",
			level:    "bogus",
			logFunc:  func(l *ConsoleLogger) { l.Debugf("hidden") },
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewConsoleLogger(&buf, tt.level)
			tt.logFunc(l)
			if tt.expected {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestConsoleLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "info")
	l.Infof("session %s iteration %d", "abc", 3)

	line := buf.String()
	require.NotEmpty(t, line)
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "session abc iteration 3")
	// Timestamp prefix: [HH:MM:SS]
	assert.True(t, strings.HasPrefix(line, "["))
}

func TestConsoleLoggerNilWriter(t *testing.T) {
	l := NewConsoleLogger(nil, "debug")
	assert.NotPanics(t, func() { l.Infof("dropped") })
}

func TestConsoleLoggerConcurrent(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "info")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.Infof("line %d", n)
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20)
}
