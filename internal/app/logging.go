package app

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rpggio/storyloom/internal/config"
)

const (
	maxLogSizeBytes  = 6 * 1024 * 1024
	keepLogSizeBytes = 5 * 1024 * 1024
)

// NewLogger builds the text logger. In stdio mode stdout carries JSON-RPC,
// so logs go to stderr unless a log file is configured. The returned close
// function releases the log file.
func NewLogger(cfg config.LogConfig, stdio bool) (*slog.Logger, func() error, error) {
	var w io.Writer = os.Stdout
	if stdio {
		w = os.Stderr
	}
	closeFn := func() error { return nil }
	if cfg.Path != "" {
		fw, err := openLogFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		w, closeFn = fw, fw.Close
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(cfg.Level)}))
	return logger, closeFn, nil
}

// ParseLogLevel maps a config level name to a slog level; unknown names are
// info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logFile is an append-only writer that keeps only the tail of the file once
// it outgrows maxLogSizeBytes.
type logFile struct {
	mu   sync.Mutex
	file *os.File
}

func openLogFile(path string) (*logFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lf := &logFile{file: f}
	if err := lf.trim(); err != nil {
		f.Close()
		return nil, err
	}
	return lf, nil
}

func (l *logFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.file.Write(p)
	if err != nil {
		return n, err
	}
	return n, l.trim()
}

func (l *logFile) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *logFile) trim() error {
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size <= maxLogSizeBytes {
		return nil
	}

	tail := make([]byte, keepLogSizeBytes)
	n, err := l.file.ReadAt(tail, size-keepLogSizeBytes)
	if err != nil && err != io.EOF {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	// O_APPEND writes land at the new end after truncation.
	_, err = l.file.Write(tail[:n])
	return err
}
