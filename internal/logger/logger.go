// Package logger is the process-wide leveled logger. Every line is tagged
// with the module that wrote it, e.g. logger.Info("Session", "dial %s", url).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levels = [...]struct {
	name    string
	logrus  logrus.Level
	aliases []string
}{
	DEBUG:  {"DEBUG", logrus.DebugLevel, nil},
	INFO:   {"INFO", logrus.InfoLevel, nil},
	WARN:   {"WARN", logrus.WarnLevel, []string{"WARNING"}},
	ERROR:  {"ERROR", logrus.ErrorLevel, nil},
	SILENT: {"SILENT", logrus.PanicLevel, []string{"NONE"}},
}

// FileOptions configures the optional rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
}

// Logger filters by level and forwards to a logrus logger.
type Logger struct {
	level atomic.Int32
	base  *logrus.Logger
}

var (
	std  atomic.Pointer[Logger]
	once sync.Once
)

// Init installs the global logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	InitWithFile(level, output, useColor, FileOptions{})
}

// InitWithFile is Init with output mirrored into a rotating file when
// file.Path is set.
func InitWithFile(level LogLevel, output io.Writer, useColor bool, file FileOptions) {
	once.Do(func() {
		if output == nil {
			output = os.Stderr
		}
		if file.Path != "" {
			output = io.MultiWriter(output, &lumberjack.Logger{
				Filename:   file.Path,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    file.MaxSizeMB,
				MaxAge:     file.MaxAgeDays,
				MaxBackups: file.MaxBackups,
			})
		}
		std.Store(New(level, output, useColor))
	})
}

// New creates a standalone Logger.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(logrus.DebugLevel)
	base.SetFormatter(&formatter.Formatter{
		NoColors:        !useColor,
		TimestampFormat: "2006-01-02 15:04:05.000000",
		HideKeys:        true,
		FieldsOrder:     []string{"module"},
	})

	l := &Logger{base: base}
	l.SetLevel(level)
	return l
}

func (l *Logger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

func (l *Logger) GetLevel() LogLevel { return LogLevel(l.level.Load()) }

func (l *Logger) logf(level LogLevel, module, format string, args ...interface{}) {
	if level < l.GetLevel() || level >= SILENT {
		return
	}
	entry := logrus.NewEntry(l.base)
	if module != "" {
		entry = entry.WithField("module", module)
	}
	entry.Logf(levels[level].logrus, format, args...)
}

func (l *Logger) Debug(module, format string, args ...interface{}) {
	l.logf(DEBUG, module, format, args...)
}

func (l *Logger) Info(module, format string, args ...interface{}) {
	l.logf(INFO, module, format, args...)
}

func (l *Logger) Warn(module, format string, args ...interface{}) {
	l.logf(WARN, module, format, args...)
}

func (l *Logger) Error(module, format string, args ...interface{}) {
	l.logf(ERROR, module, format, args...)
}

// Package-level helpers write through the global logger and are no-ops
// before Init.

func SetLevel(level LogLevel) {
	if l := std.Load(); l != nil {
		l.SetLevel(level)
	}
}

func GetLevel() LogLevel {
	if l := std.Load(); l != nil {
		return l.GetLevel()
	}
	return INFO
}

func Debug(module, format string, args ...interface{}) { global(DEBUG, module, format, args...) }
func Info(module, format string, args ...interface{})  { global(INFO, module, format, args...) }
func Warn(module, format string, args ...interface{})  { global(WARN, module, format, args...) }
func Error(module, format string, args ...interface{}) { global(ERROR, module, format, args...) }

func global(level LogLevel, module, format string, args ...interface{}) {
	if l := std.Load(); l != nil {
		l.logf(level, module, format, args...)
	}
}

// ParseLevel accepts level names in any case, plus "warning" and "none".
func ParseLevel(s string) (LogLevel, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for lvl, def := range levels {
		if def.name == want {
			return LogLevel(lvl), nil
		}
		for _, alias := range def.aliases {
			if alias == want {
				return LogLevel(lvl), nil
			}
		}
	}
	return INFO, fmt.Errorf("invalid log level: %s", s)
}

func (l LogLevel) String() string {
	if l >= 0 && int(l) < len(levels) {
		return levels[l].name
	}
	return "UNKNOWN"
}
