// Package logger provides leveled, structured logging with optional rotating file output.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is the most verbose log level.
	LevelDebug Level = iota
	// LevelInfo is the default log level for general information.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages only.
	LevelError
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects how log lines are rendered on the primary output.
type Format int

const (
	// FormatConsole renders human readable lines.
	FormatConsole Format = iota
	// FormatJSON renders one JSON object per line.
	FormatJSON
)

// ParseFormat converts "console" or "json" to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "console", "text":
		return FormatConsole, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatConsole, fmt.Errorf("unknown log format %q: valid formats are console, json", s)
	}
}

type state struct {
	mu     sync.Mutex
	level  Level
	format Format
	output io.Writer
	file   *lumberjack.Logger // optional rotating log file
	base   zerolog.Logger
}

var defaultLogger = newState()

func newState() *state {
	s := &state{level: LevelInfo, output: os.Stderr}
	s.rebuild()
	return s
}

// rebuild recreates the base logger from the current settings. Callers hold mu.
func (s *state) rebuild() {
	out := zerolog.SyncWriter(s.output)
	var primary io.Writer = out
	if s.format == FormatConsole {
		primary = zerolog.ConsoleWriter{
			Out:          out,
			NoColor:      true,
			TimeFormat:   "2006-01-02T15:04:05.000Z",
			TimeLocation: time.UTC,
			FormatLevel:  func(i interface{}) string {
				return strings.ToUpper(fmt.Sprint(i))
			},
		}
	}

	w := primary
	if s.file != nil {
		// The file always receives JSON lines.
		w = zerolog.MultiLevelWriter(primary, s.file)
	}

	s.base = zerolog.New(w).Level(s.level.zerolog()).With().Timestamp().Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// SetLevel sets the minimum log level.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
	defaultLogger.rebuild()
}

// SetFormat sets the rendering of the primary output.
func SetFormat(format Format) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.format = format
	defaultLogger.rebuild()
}

// SetOutput sets the primary output writer.
// This is primarily useful for testing.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
	defaultLogger.rebuild()
}

// FileOptions configures log file rotation.
type FileOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetLogFile writes log messages to a rotating file in addition to the current output.
// The parent directory must exist.
func SetLogFile(path string, opts FileOptions) error {
	info, err := os.Stat(dirOf(path))
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to open log file: %s is not a directory", dirOf(path))
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 20
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.file != nil {
		defaultLogger.file.Close()
	}
	defaultLogger.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	defaultLogger.rebuild()
	return nil
}

func dirOf(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		if i == 0 {
			return "/"
		}
		return path[:i]
	}
	return "."
}

// Close closes the log file if one is open.
func Close() {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
		defaultLogger.rebuild()
	}
}

// Component returns a structured logger tagged with the component name.
// The returned logger follows later SetLevel/SetOutput calls only if obtained after them.
func Component(name string) zerolog.Logger {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.base.With().Str("component", name).Logger()
}

func current() zerolog.Logger {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.base
}

// Debug logs at debug level.
func Debug(format string, args ...interface{}) {
	l := current()
	l.Debug().Msgf(format, args...)
}

// Info logs at info level.
func Info(format string, args ...interface{}) {
	l := current()
	l.Info().Msgf(format, args...)
}

// Warn logs at warn level.
func Warn(format string, args ...interface{}) {
	l := current()
	l.Warn().Msgf(format, args...)
}

// Error logs at error level.
func Error(format string, args ...interface{}) {
	l := current()
	l.Error().Msgf(format, args...)
}

// ParseLevel converts a string to a Level.
// Accepts: debug, info, warn, error (case-insensitive).
// Returns an error for unknown level strings.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

// GetLevel returns the current log level.
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}
