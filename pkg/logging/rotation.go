package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig controls how the server log file is rotated on disk.
type RotationConfig struct {
	Path       string // log file path, e.g. <cacheRoot>/logs/server.log
	MaxSizeMB  int    // max size in MB before rotation
	MaxBackups int    // number of old files to keep
	MaxAgeDays int    // max age in days
	Compress   bool   // gzip old files
}

// DefaultRotationConfig returns sensible defaults for the server log file.
func DefaultRotationConfig(path string) RotationConfig {
	return RotationConfig{
		Path:       path,
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}
}

// NewRotatingWriter creates the rotating file sink used for logs/server.log.
func NewRotatingWriter(cfg RotationConfig) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

// NewServerLogger builds the root logrus logger used by the whole process: it
// writes to both the rotating log file and stderr, at the requested level.
func NewServerLogger(level logrus.Level, rotating io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	if rotating != nil {
		logger.SetOutput(io.MultiWriter(os.Stderr, rotating))
	}
	return logger
}

// ParseLevel maps the CLI's {trace,debug,info,warn,error} vocabulary onto a
// logrus level, defaulting to Info for anything unrecognized.
func ParseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
