package logutil

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	logger  = log.NewWithOptions(os.Stderr, log.Options{Prefix: "sitepost", ReportTimestamp: true, Level: log.InfoLevel})
	verbose bool
	mu      sync.RWMutex
)

// SetVerbose adjusts the global logging level.
func SetVerbose(enable bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = enable
	if enable {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}
}

// Verbose reports whether verbose logging is enabled.
func Verbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// Logger returns the shared logger.
func Logger() *log.Logger {
	return logger
}

// Debugf logs a debug message when verbose logging is enabled.
func Debugf(format string, args ...any) {
	logger.Debugf(format, args...)
}

// Infof logs an informational message.
func Infof(format string, args ...any) {
	logger.Infof(format, args...)
}

// Warnf logs a warning.
func Warnf(format string, args ...any) {
	logger.Warnf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Leveled adapts a logger to the key/value interface used by
// go-retryablehttp.
type Leveled struct {
	L *log.Logger
}

// NewLeveled wraps the shared logger with a component prefix.
func NewLeveled(prefix string) Leveled {
	return Leveled{L: logger.WithPrefix(prefix)}
}

func (l Leveled) Error(msg string, keysAndValues ...interface{}) { l.L.Error(msg, keysAndValues...) }
func (l Leveled) Info(msg string, keysAndValues ...interface{})  { l.L.Debug(msg, keysAndValues...) }
func (l Leveled) Debug(msg string, keysAndValues ...interface{}) { l.L.Debug(msg, keysAndValues...) }
func (l Leveled) Warn(msg string, keysAndValues ...interface{})  { l.L.Warn(msg, keysAndValues...) }
