package pkg

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Component identifies a subsystem for log filtering.
type Component string

// Firmware component identifiers.
const (
	ComponentStack      Component = "stack"
	ComponentControl    Component = "control"
	ComponentEndpoint   Component = "endpoint"
	ComponentInterrupt  Component = "interrupt"
	ComponentDescriptor Component = "descriptor"
	ComponentHAL        Component = "hal"
	ComponentRPC        Component = "rpc"
)

// Level is a named log level accepted by [SetLogLevel].
type Level string

// Log levels, from most to least verbose.
const (
	LevelAll   Level = "all"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelNone  Level = "none"
)

// AvailableLevels lists every accepted level name.
var AvailableLevels = strings.Join([]string{
	string(LevelAll),
	string(LevelDebug),
	string(LevelInfo),
	string(LevelWarn),
	string(LevelError),
	string(LevelNone),
}, ", ")

// LogFormat names an output encoding for [NewFormatLogger].
type LogFormat string

const (
	LogFormatLogfmt LogFormat = "logfmt"
	LogFormatJSON   LogFormat = "json"
)

var (
	// baseLogger is the sink DefaultLogger filters by level.
	baseLogger log.Logger

	// DefaultLogger is the logger used by all firmware components.
	DefaultLogger log.Logger

	logLevel = LevelWarn

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	baseLogger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	DefaultLogger = filter(baseLogger, logLevel)
}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(s)); l {
	case LevelAll, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelNone:
		return l, nil
	default:
		return "", fmt.Errorf("log level %v unknown; possible values are: %s", s, AvailableLevels)
	}
}

func filter(logger log.Logger, l Level) log.Logger {
	switch l {
	case LevelAll:
		return level.NewFilter(logger, level.AllowAll())
	case LevelDebug:
		return level.NewFilter(logger, level.AllowDebug())
	case LevelInfo:
		return level.NewFilter(logger, level.AllowInfo())
	case LevelError:
		return level.NewFilter(logger, level.AllowError())
	case LevelNone:
		return level.NewFilter(logger, level.AllowNone())
	default:
		return level.NewFilter(logger, level.AllowWarn())
	}
}

// SetLogLevel sets the minimum log level for all firmware logging.
func SetLogLevel(l Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel = l
	DefaultLogger = filter(baseLogger, l)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel
}

// SetLogger replaces the sink behind the default logger. The current level
// filter is applied on top of it.
func SetLogger(logger log.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	baseLogger = logger
	DefaultLogger = filter(logger, logLevel)
}

// ParseLogFormat validates a format name.
func ParseLogFormat(s string) (LogFormat, error) {
	switch f := LogFormat(strings.ToLower(s)); f {
	case LogFormatLogfmt, LogFormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("log format %v unknown; possible values are: %s, %s", s, LogFormatJSON, LogFormatLogfmt)
	}
}

// NewFormatLogger creates a logger writing format f to w.
func NewFormatLogger(w io.Writer, f LogFormat) log.Logger {
	if f == LogFormatJSON {
		return NewJSONLogger(w)
	}
	return NewLogger(w)
}

// NewLogger creates a logfmt logger writing to the given writer.
func NewLogger(w io.Writer) log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(w))
}

// NewJSONLogger creates a JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer) log.Logger {
	return log.NewJSONLogger(log.NewSyncWriter(w))
}

func logWith(lvl func(log.Logger) log.Logger, component Component, msg string, args []any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	_ = lvl(logger).Log(append([]any{"component", string(component), "msg", msg}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logWith(level.Debug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logWith(level.Info, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logWith(level.Warn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logWith(level.Error, component, msg, args)
}
