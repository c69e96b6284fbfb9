package logger

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

type Logger struct {
	level Level
	entry *logrus.Entry
}

func New(out io.Writer, level Level) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000000",
		DisableColors:   true,
	})
	l.SetLevel(toLogrus(level))

	return &Logger{
		level: level,
		entry: logrus.NewEntry(l),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(io.Discard, ERROR+1)
}

// With returns a child logger carrying an extra field.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{
		level: l.level,
		entry: l.entry.WithField(key, value),
	}
}

func (l *Logger) Level() Level {
	return l.level
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	switch level {
	case DEBUG:
		l.entry.Debugf(format, args...)
	case INFO:
		l.entry.Infof(format, args...)
	case WARN:
		l.entry.Warnf(format, args...)
	default:
		l.entry.Errorf(format, args...)
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logf(DEBUG, format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logf(INFO, format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logf(WARN, format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logf(ERROR, format, args...)
}

func toLogrus(level Level) logrus.Level {
	switch level {
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	default:
		return logrus.PanicLevel
	}
}
