// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"worktrack/internal/config"
)

// ParseLevel maps a config level to zerolog. Empty means info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Console sets up human readable logs on stderr for CLI commands.
func Console(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// Setup configures the agent logger. With cfg.File set, JSON lines go to a
// rotating file in addition to the console. The returned closer flushes the
// file and is safe to call when no file is used.
func Setup(cfg config.Log, dataDir string) (io.Closer, error) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.File == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nopCloser{}, nil
	}

	path := FilePath(cfg, dataDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, lj)).With().Timestamp().Logger()
	log.Info().Str("file", path).Int("max_size_mb", cfg.MaxSizeMB).Msg("log file enabled")
	return lj, nil
}

// FilePath resolves the log file the agent writes, or "" when file logging
// is off.
func FilePath(cfg config.Log, dataDir string) string {
	if cfg.File == "" {
		return ""
	}
	if !filepath.IsAbs(cfg.File) && dataDir != "" {
		return filepath.Join(dataDir, cfg.File)
	}
	return cfg.File
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
