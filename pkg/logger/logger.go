// Package logger wraps logrus with the configuration used across the service.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls level, format and destination of log output.
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	FilePrefix string
}

// Logger is a logrus logger tagged with a component name.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger from configuration. Invalid values fall back to
// info level, text format and stdout.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	base.SetOutput(resolveOutput(cfg))
	return &Logger{Logger: base}
}

// NewDefault returns an info-level text logger for the named component.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	l.component = component
	if component != "" {
		l.AddHook(componentHook{name: component})
	}
	return l
}

// Component returns the component name the logger was created for.
func (l *Logger) Component() string {
	if l == nil {
		return ""
	}
	return l.component
}

// Discard returns a logger that drops everything. Intended for tests.
func Discard() *Logger {
	l := New(LoggingConfig{Level: "panic"})
	l.SetOutput(io.Discard)
	return l
}

func resolveOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "efile"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("2006-01-02"))
		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return os.Stdout
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}

type componentHook struct {
	name string
}

func (h componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h componentHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["component"]; !ok {
		entry.Data["component"] = h.name
	}
	return nil
}
