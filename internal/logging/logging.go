package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the logging verbosity level
type Level int

const (
	// LevelNormal shows INFO and above (default)
	LevelNormal Level = 0
	// LevelVerbose shows DEBUG and above (-v)
	LevelVerbose Level = 1
	// LevelTrace shows DEBUG and above plus HTTP headers (-vv)
	LevelTrace Level = 2
)

// Format selects how log lines are rendered
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var currentLevel Level

// Logger is the global zerolog logger instance. It discards everything until Setup runs.
var Logger = zerolog.Nop()

// Setup initializes zerolog on stderr.
// The level parameter controls verbosity:
//   - 0: INFO and above (default)
//   - 1: DEBUG and above (-v)
//   - 2+: DEBUG and above with HTTP headers (-vv)
func Setup(level Level, format Format) {
	SetupWithWriter(os.Stderr, level, format)
}

// SetupWithWriter is Setup with an explicit destination
func SetupWithWriter(w io.Writer, level Level, format Format) {
	currentLevel = level

	zerologLevel := zerolog.InfoLevel
	if level >= LevelVerbose {
		zerologLevel = zerolog.DebugLevel
	}

	out := w
	if format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(out).
		Level(zerologLevel).
		With().
		Timestamp().
		Logger()
}

// ParseFormat maps a flag value to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "console", "text":
		return FormatConsole, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want console or json)", s)
	}
}

// IsVerbose returns true if verbose/debug logging is enabled
func IsVerbose() bool {
	return currentLevel >= LevelVerbose
}

// IsTraceEnabled returns true if trace-level logging (HTTP headers) is enabled
func IsTraceEnabled() bool {
	return currentLevel >= LevelTrace
}

// ToJSON converts any value to JSON string for debug logging
func ToJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "<marshal error>"
	}
	s := string(b)
	if len(s) > 2000 {
		return s[:2000] + "...(truncated)"
	}
	return s
}

// FormatHeaders renders headers in sorted order with credentials redacted
func FormatHeaders(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		value := strings.Join(headers[k], ", ")
		switch strings.ToLower(k) {
		case "authorization", "cookie", "set-cookie":
			value = "[REDACTED]"
		}
		fmt.Fprintf(&sb, "%s: %q", k, value)
	}
	sb.WriteString("}")
	return sb.String()
}

// LeveledLogger implements retryablehttp.LeveledLogger using zerolog
type LeveledLogger struct{}

func (l *LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	Logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	Logger.Info().Fields(keysAndValues).Msg(msg)
}

func (l *LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	Logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	Logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Info logs at info level with key-value pairs
func Info(msg string, keysAndValues ...interface{}) {
	Logger.Info().Fields(keysAndValues).Msg(msg)
}

// Debug logs at debug level with key-value pairs
func Debug(msg string, keysAndValues ...interface{}) {
	Logger.Debug().Fields(keysAndValues).Msg(msg)
}

// Warn logs at warn level with key-value pairs
func Warn(msg string, keysAndValues ...interface{}) {
	Logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Error logs at error level with key-value pairs
func Error(msg string, keysAndValues ...interface{}) {
	Logger.Error().Fields(keysAndValues).Msg(msg)
}
