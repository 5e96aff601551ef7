package console

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourusername/mcpal/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter mirrors console output into a size-rotated log file
type LogWriter struct {
	out *lumberjack.Logger
	mu  sync.Mutex
	now func() time.Time
}

// NewLogWriter creates a log writer, or returns nil when no file is configured
func NewLogWriter(cfg config.ConsoleLogConfig) (*LogWriter, error) {
	if cfg.File == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lw := &LogWriter{
		out: &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   true,
		},
		now: time.Now,
	}

	log.Printf("[LogWriter] Mirroring console output to %s", cfg.File)
	return lw, nil
}

// WriteLine writes a timestamped line to the log file
func (lw *LogWriter) WriteLine(line string) error {
	if lw == nil {
		return nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()

	timestamp := lw.now().Format("2006-01-02 15:04:05")
	if _, err := fmt.Fprintf(lw.out, "[%s] %s\n", timestamp, line); err != nil {
		return fmt.Errorf("failed to write log: %w", err)
	}
	return nil
}

// Rotate moves the current file aside and starts a new one
func (lw *LogWriter) Rotate() error {
	if lw == nil {
		return nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.out.Rotate()
}

// Close closes the log file
func (lw *LogWriter) Close() error {
	if lw == nil {
		return nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.out.Close()
}
