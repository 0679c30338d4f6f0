package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogFunc is the operator facing log callback used across optolink. The
// TUI log pane, the file logger and stdout all fit it.
type LogFunc func(format string, args ...interface{})

// FileLogger appends timestamped event lines to a file and optionally
// mirrors them to another writer. Safe for concurrent use.
type FileLogger struct {
	file   *os.File
	tee    io.Writer
	mu     sync.Mutex
	closed bool
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileLogger{file: file}, nil
}

// Tee mirrors every line to w as well. Pass nil to stop mirroring.
func (l *FileLogger) Tee(w io.Writer) {
	l.mu.Lock()
	l.tee = w
	l.mu.Unlock()
}

// Log writes one timestamped line. A nil or closed logger drops it.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	line := fmt.Sprintf("%s %s\n", time.Now().Format(timestampLayout), fmt.Sprintf(format, args...))
	io.WriteString(l.file, line)
	if l.tee != nil {
		io.WriteString(l.tee, line)
	}
}

// Func returns l.Log as a LogFunc.
func (l *FileLogger) Func() LogFunc {
	return l.Log
}

func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Multi fans one message out to several log functions, skipping nils.
func Multi(fns ...LogFunc) LogFunc {
	return func(format string, args ...interface{}) {
		for _, fn := range fns {
			if fn != nil {
				fn(format, args...)
			}
		}
	}
}
