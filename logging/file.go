package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// FileLogger appends JSON log lines to a file.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
	zl     zerolog.Logger
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string, level string) (*FileLogger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := &FileLogger{file: file}
	l.zl = zerolog.New(l).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

// Write implements io.Writer; writes after Close are dropped.
func (l *FileLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return len(p), nil
	}
	return l.file.Write(p)
}

// Logger returns a zerolog logger writing to the file.
func (l *FileLogger) Logger() zerolog.Logger {
	return l.zl
}

// Log writes a formatted info message.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
