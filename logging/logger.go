// Package logging provides the process-wide structured logger. Call sites
// pass a message plus a field map; output is line-delimited JSON via logrus.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Config controls the global logger.
type Config struct {
	Level  string
	Output io.Writer
	Pretty bool
}

// ApplyConfig reconfigures the global logger.
func ApplyConfig(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	}
	if cfg.Pretty {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		logger.SetLevel(level)
	}
	return nil
}

func get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func fields(data []map[string]interface{}) logrus.Fields {
	if len(data) == 0 || data[0] == nil {
		return nil
	}
	return logrus.Fields(data[0])
}

func Debug(message string, data ...map[string]interface{}) {
	get().WithFields(fields(data)).Debug(message)
}

func Info(message string, data ...map[string]interface{}) {
	get().WithFields(fields(data)).Info(message)
}

func Warn(message string, data ...map[string]interface{}) {
	get().WithFields(fields(data)).Warn(message)
}

func Error(message string, data ...map[string]interface{}) {
	get().WithFields(fields(data)).Error(message)
}

// Fatal logs and exits the process.
func Fatal(message string, data ...map[string]interface{}) {
	get().WithFields(fields(data)).Fatal(message)
}

// AtLevel routes a message by level name; unknown levels log at info. Client
// submitted log records come through here.
func AtLevel(level, message string, data ...map[string]interface{}) {
	entry := get().WithFields(fields(data))
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		entry.Info(message)
		return
	}
	switch parsed {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		entry.Error(message)
	case logrus.WarnLevel:
		entry.Warn(message)
	case logrus.DebugLevel, logrus.TraceLevel:
		entry.Debug(message)
	default:
		entry.Info(message)
	}
}
