package internal

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	processLogger atomic.Pointer[SecureLogger]
	fallbackOnce  sync.Once

	logFileMu sync.Mutex
	logFile   *os.File
)

// InitLogger installs the process logger described by config.Log. Calling it
// again replaces the logger and closes any log file it had opened.
func InitLogger(config *Config) error {
	level := parseLogLevel(config.Log.Level)
	if config.Log.Quiet {
		level = LogLevelError
	}

	var output io.Writer = os.Stderr
	var file *os.File
	if config.Log.File != "" {
		f, err := os.OpenFile(config.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return NewValidationError("log.file", "failed to open log file").
				WithSuggestion("Check file permissions and path validity").
				WithContext("file", config.Log.File).
				WithContext("error", err.Error())
		}
		file = f
		output = f
	}

	jsonOutput := strings.EqualFold(config.Log.Format, "json")
	processLogger.Store(NewSecureLogger(output, level, config.Log.Debug, config.Log.Quiet, jsonOutput))

	logFileMu.Lock()
	previous := logFile
	logFile = file
	logFileMu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

// CloseLogger flushes and closes the log file, if any, and falls back to stderr
func CloseLogger() error {
	logFileMu.Lock()
	f := logFile
	logFile = nil
	logFileMu.Unlock()

	if f == nil {
		return nil
	}
	if current := processLogger.Load(); current != nil {
		current.mu.RLock()
		level, debug, quiet := current.level, current.debug, current.quiet
		current.mu.RUnlock()
		processLogger.Store(NewSecureLogger(os.Stderr, level, debug, quiet, false))
	}
	return f.Close()
}

// GetLogger returns the process logger, an info-level stderr logger until
// InitLogger runs.
func GetLogger() *SecureLogger {
	if l := processLogger.Load(); l != nil {
		return l
	}
	fallbackOnce.Do(func() {
		processLogger.CompareAndSwap(nil, NewDefaultLogger(false, false))
	})
	return processLogger.Load()
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func LogError(format string, args ...interface{}) { GetLogger().Error(format, args...) }
func LogWarn(format string, args ...interface{})  { GetLogger().Warn(format, args...) }
func LogInfo(format string, args ...interface{})  { GetLogger().Info(format, args...) }
func LogDebug(format string, args ...interface{}) { GetLogger().Debug(format, args...) }

// LogFetchError logs err at the level matching its severity
func LogFetchError(err *FetchError) {
	logger := GetLogger()
	switch err.Severity {
	case SeverityCritical:
		logger.Error("CRITICAL: %s", err.DetailedError())
	case SeverityWarning:
		logger.Warn("%s", err.DetailedError())
	case SeverityInfo:
		logger.Info("%s", err.DetailedError())
	default:
		logger.Error("%s", err.DetailedError())
	}
}

// LogErr logs any error, using the detailed form for the package's own
// error types. prefix describes what failed.
func LogErr(prefix string, err error) {
	var fe *FetchError
	var ve *ValidationError
	switch {
	case errors.As(err, &fe):
		LogFetchError(fe)
	case errors.As(err, &ve):
		GetLogger().Error("%s: %s", prefix, ve.DetailedError())
	default:
		GetLogger().Error("%s: %v", prefix, err)
	}
}
