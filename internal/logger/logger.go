// Package logger sets up the run log: a console writer on stderr plus an
// optional plain-text log file.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the logger.
type Config struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	JSONFormat bool   `mapstructure:"json_format"`
}

// New builds a logger writing to console and, when cfg.File is set, to the
// log file. The returned closer closes the file; it is never nil.
func New(cfg Config, console io.Writer) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	if console != nil {
		writers = append(writers, zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		logFile, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return zerolog.Nop(), closer, err
		}
		closer = logFile
		if cfg.JSONFormat {
			writers = append(writers, logFile)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: logFile, TimeFormat: time.RFC3339, NoColor: true})
		}
	}

	l := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().
		Level(ParseLevel(cfg.Level))
	return l, closer, nil
}

// Setup installs the logger built from cfg as the global log.Logger.
func Setup(cfg Config) (io.Closer, error) {
	l, closer, err := New(cfg, os.Stderr)
	if err != nil {
		return closer, err
	}
	log.Logger = l
	return closer, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
