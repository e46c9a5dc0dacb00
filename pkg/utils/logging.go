package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Zerolog converts the level to its zerolog equivalent.
func (l LogLevel) Zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// LoggingOptions controls where and how log lines are written.
type LoggingOptions struct {
	Level  string
	File   string
	Pretty bool

	// RotateSize rotates File once it would grow past this many bytes.
	RotateSize int64
	MaxBackups int

	// Output overrides File and stderr when set.
	Output io.Writer
}

// SetupLogging builds the process logger. The returned closer releases the log
// file, if one was opened; it is never nil.
func SetupLogging(opts LoggingOptions) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level: %w", err)
	}

	var closer io.Closer = nopCloser{}
	output := opts.Output
	if output == nil {
		output = os.Stderr
		switch {
		case opts.File != "" && opts.RotateSize > 0:
			rotator, err := NewLogRotator(&RotationConfig{
				Filename:   opts.File,
				MaxSize:    opts.RotateSize,
				MaxBackups: opts.MaxBackups,
				Compress:   true,
			})
			if err != nil {
				return zerolog.Nop(), nopCloser{}, err
			}
			output = rotator
			closer = rotator
		case opts.File != "":
			file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return zerolog.Nop(), nopCloser{}, fmt.Errorf("failed to open log file: %w", err)
			}
			output = file
			closer = file
		}
	}

	if opts.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(output).
		Level(level.Zerolog()).
		With().
		Timestamp().
		Str("service", "memcachefs").
		Logger()

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// ParseBytes parses a human-readable byte string such as "1MiB" or "512KB".
// Bare K/M/G suffixes are read as binary units, matching memcached's -I flag.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	switch last := s[len(s)-1]; last {
	case 'k', 'K', 'm', 'M', 'g', 'G':
		s += "iB"
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}
