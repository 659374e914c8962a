// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xiaot623/dataagent/internal/config"
)

// New returns a logger writing to stderr and, when cfg.File is set, to a
// rotated file. The returned closer releases the file.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, stderr io.Writer) (zerolog.Logger, io.Closer) {
	var console io.Writer = stderr
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, file)
		closer = file
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
	return logger, closer
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return zerolog.WarnLevel
	case "":
		return zerolog.InfoLevel
	}
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.InfoLevel
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
