// Package logging provides the operator log file and the protocol debug log.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FileLogger appends timestamped lines to a file. It is safe for concurrent use.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
	echo   bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// SetEcho mirrors every line to stdout. Used in headless mode.
func (l *FileLogger) SetEcho(echo bool) {
	l.mu.Lock()
	l.echo = echo
	l.mu.Unlock()
}

// Log writes a formatted message with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := fmt.Sprintf("%s %s\n", time.Now().Format(timestampLayout), fmt.Sprintf(format, args...))
	l.file.WriteString(line)
	if l.echo {
		os.Stdout.WriteString(line)
	}
}

// Write implements io.Writer so the logger can back the standard log package.
// Each write becomes one timestamped line.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.Log("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Close closes the log file. It is safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
