package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level     string         `json:"level" mapstructure:"level"` // debug, info, warn, error
	File      string         `json:"file" mapstructure:"file"`
	Console   bool           `json:"console" mapstructure:"console"`
	Pretty    bool           `json:"pretty" mapstructure:"pretty"`
	Redaction bool           `json:"redaction" mapstructure:"redaction"`
	Rotation  RotationConfig `json:"rotation" mapstructure:"rotation"`
}

// RotationConfig controls size based rotation of the log file. A zero
// MaxSizeMB disables rotation.
type RotationConfig struct {
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
		Rotation: RotationConfig{
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Logger owns the zerolog logger and the files behind it.
type Logger struct {
	logger   zerolog.Logger
	closer   io.Closer
	redactor *Redactor
	global   bool
}

// New builds a logger without touching zerolog's globals.
func New(cfg Config) (*Logger, error) {
	return build(cfg, os.Stderr, false)
}

// Init builds a logger, installs it as log.Logger and sets the global
// level, so SetLevel later affects every derived logger.
func Init(cfg Config) (*Logger, error) {
	return build(cfg, os.Stderr, true)
}

func build(cfg Config, console io.Writer, global bool) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		var w io.Writer = console
		if cfg.Pretty {
			w = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
		}
		writers = append(writers, w)
	}

	var closer io.Closer
	if cfg.File != "" {
		fw, err := openLogFile(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, fw)
		closer = fw
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = console
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger()
	if global {
		zerolog.SetGlobalLevel(level)
		log.Logger = logger
	} else {
		logger = logger.Level(level)
	}

	return &Logger{logger: logger, closer: closer, redactor: redactor, global: global}, nil
}

func openLogFile(cfg Config) (io.WriteCloser, error) {
	if cfg.Rotation.MaxSizeMB > 0 {
		return NewRotatingWriter(cfg.File, cfg.Rotation)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Zerolog returns the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// SetLevel changes the level. For a logger built with Init this applies to
// every logger derived from it; otherwise only to later Zerolog() copies.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if l.global {
		zerolog.SetGlobalLevel(lvl)
		return nil
	}
	l.logger = l.logger.Level(lvl)
	return nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
