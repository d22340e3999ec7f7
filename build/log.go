// Package build holds build information and the application wide logging
// setup. Every other package obtains its logger through AddSubLogger, so log
// levels and destinations can be tuned per subsystem at runtime.
package build

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type subLogger struct {
	logger  *logrus.Logger
	console *consoleHook
	file    *fileHook
}

var (
	logConfigLock sync.Mutex
	subLoggers    = map[string]*subLogger{}
)

// AddSubLogger creates a logger that prefixes every entry with the given
// subsystem tag. The returned logger writes to the console and, once
// SetLogFile has been called, to the shared log file.
func AddSubLogger(subsystem string) *logrus.Logger {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(io.Discard) // all output goes through the hooks

	console := &consoleHook{subsystem: subsystem, level: logrus.InfoLevel}
	file := &fileHook{subsystem: subsystem, level: logrus.InfoLevel}
	logger.AddHook(console)
	logger.AddHook(file)

	subLoggers[subsystem] = &subLogger{logger: logger, console: console, file: file}
	return logger
}

// SetLogLevel sets the log level for a single subsystem.
func SetLogLevel(subsystem string, level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	sub, ok := subLoggers[subsystem]
	if !ok {
		return
	}
	sub.console.level = level
	sub.file.level = level
}

// SetLogLevels sets the log level for all registered subsystems.
func SetLogLevels(level logrus.Level) {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	for _, sub := range subLoggers {
		sub.console.level = level
		sub.file.level = level
	}
}

// SetLogFile makes all subsystems append to the given file in addition to
// the console.
func SetLogFile(path string) error {
	logConfigLock.Lock()
	defer logConfigLock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("could not open log file: %w", err)
	}
	for _, sub := range subLoggers {
		sub.file.file = f
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "fatal", "panic":
		return logrus.FatalLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
}

type consoleHook struct {
	subsystem string
	level     logrus.Level
}

var _ logrus.Hook = &consoleHook{}

var consoleFormat = logrus.TextFormatter{
	TimestampFormat: "15:04:05",
	ForceColors:     true,
	FullTimestamp:   true,
}

func (c *consoleHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (c *consoleHook) Fire(entry *logrus.Entry) error {
	if entry == nil || c.level < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)

	formatted, err := consoleFormat.Format(&copied)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(formatted)
	return err
}

type fileHook struct {
	subsystem string
	level     logrus.Level
	file      *os.File
}

var _ logrus.Hook = &fileHook{}

var fileFormat = logrus.TextFormatter{
	TimestampFormat: "2006-01-02 15:04:05.000",
	DisableColors:   true,
	FullTimestamp:   true,
}

func (f *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (f *fileHook) Fire(entry *logrus.Entry) error {
	if f.file == nil || entry == nil || f.level < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", f.subsystem, entry.Message)

	formatted, err := fileFormat.Format(&copied)
	if err != nil {
		return err
	}
	_, err = f.file.Write(formatted)
	return err
}
