package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger shared by every component. It wraps a
// logrus entry so child loggers keep their parent's fields.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogger creates a JSON logger writing to stderr at the given level.
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(os.Stderr, level, component)
}

// NewLoggerWithOutput creates a logger writing to w.
func NewLoggerWithOutput(w io.Writer, level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	l := &Logger{base: base, entry: logrus.NewEntry(base)}
	l.SetLevel(level)
	if component != "" {
		l.entry = l.entry.WithField("component", component)
	}
	return l
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLoggerWithOutput(io.Discard, "error", "")
}

// SetLevel changes the level; unknown names fall back to info.
func (l *Logger) SetLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		l.base.SetLevel(logrus.TraceLevel)
	case "debug":
		l.base.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		l.base.SetLevel(logrus.WarnLevel)
	case "error":
		l.base.SetLevel(logrus.ErrorLevel)
	default:
		l.base.SetLevel(logrus.InfoLevel)
	}
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.base.GetLevel().String()
}

// With returns a child logger carrying an extra field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField(key, value)}
}

// Trace logs at trace level.
func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Trace(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogStateChange records a state machine transition.
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	f := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		f[k] = v
	}
	l.entry.WithFields(f).Info("State changed")
}

// toFields accepts either key/value pairs or a single map.
func toFields(fields []interface{}) logrus.Fields {
	out := logrus.Fields{}
	if len(fields) == 0 {
		return out
	}
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = normalize(v)
			}
			return out
		}
	}
	for i := 0; i < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		if i+1 >= len(fields) {
			out["extra"] = normalize(fields[i])
			break
		}
		out[key] = normalize(fields[i+1])
	}
	return out
}

func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
