package internal

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SecureLogger is a leveled printf-style logger that scrubs credentials
// before anything reaches the underlying zerolog writer.
type SecureLogger struct {
	mu        sync.RWMutex
	logger    zerolog.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

var (
	credentialHeader = regexp.MustCompile(`(?i)(set-cookie|cookie|authorization)\s*:\s*(?:\[REDACTED\]|[^\r\n]+)`)
	bearerToken      = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/=]+`)
)

// HeaderRedactor masks credential-bearing header values and bare bearer tokens
type HeaderRedactor struct{}

func (r *HeaderRedactor) Redact(input string) string {
	result := credentialHeader.ReplaceAllString(input, "$1: [REDACTED]")
	return bearerToken.ReplaceAllString(result, "Bearer [REDACTED]")
}

// URLRedactor redacts sensitive URL parameters
type URLRedactor struct{}

func (r *URLRedactor) Redact(input string) string {
	sensitiveParams := []string{
		"access_token=",
		"refresh_token=",
		"token=",
		"code=",
		"client_secret=",
		"password=",
	}

	result := input
	for _, param := range sensitiveParams {
		result = redactAfter(result, param, "& \n\"")
	}
	return result
}

var jsonSecretField = regexp.MustCompile(`"(password|session|refresh|token|access_token|refresh_token|id_token)"\s*:\s*"[^"]*"`)

// JSONFieldRedactor redacts credential fields inside JSON payloads
type JSONFieldRedactor struct{}

func (r *JSONFieldRedactor) Redact(input string) string {
	return jsonSecretField.ReplaceAllString(input, `"$1":"[REDACTED]"`)
}

// redactAfter replaces the value following every case-insensitive occurrence
// of pattern, up to the first stop character.
func redactAfter(input, pattern, stops string) string {
	const mask = "[REDACTED]"
	lowerPattern := strings.ToLower(pattern)
	result := input
	from := 0
	for from < len(result) {
		idx := strings.Index(strings.ToLower(result[from:]), lowerPattern)
		if idx == -1 {
			break
		}
		start := from + idx + len(pattern)
		end := start
		for end < len(result) && !strings.ContainsRune(stops, rune(result[end])) {
			end++
		}
		if end > start && result[start:end] != mask {
			result = result[:start] + mask + result[end:]
			end = start + len(mask)
		}
		from = end
	}
	return result
}

// NewSecureLogger creates a new secure logger. jsonOutput selects zerolog's
// native JSON lines; otherwise a plain console format is used.
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet, jsonOutput bool) *SecureLogger {
	var w io.Writer = output
	if !jsonOutput {
		w = zerolog.ConsoleWriter{
			Out:        output,
			NoColor:    true,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	sl := &SecureLogger{
		logger: zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger(),
		level:  level,
		debug:  debug,
		quiet:  quiet,
		redactors: []Redactor{
			&HeaderRedactor{},
			&URLRedactor{},
			&JSONFieldRedactor{},
		},
	}
	if debug && sl.level < LogLevelDebug {
		sl.level = LogLevelDebug
	}

	return sl
}

// NewDefaultLogger creates a stderr logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	if quiet {
		level = LogLevelError
	}

	return NewSecureLogger(os.Stderr, level, debug, quiet, false)
}

// NopLogger discards everything; used by tests and library callers that
// don't want output.
func NopLogger() *SecureLogger {
	return NewSecureLogger(io.Discard, LogLevelError, false, true, true)
}

func (sl *SecureLogger) redactSensitiveData(input string) string {
	sl.mu.RLock()
	redactors := sl.redactors
	sl.mu.RUnlock()

	result := input
	for _, redactor := range redactors {
		result = redactor.Redact(result)
	}
	return result
}

func (sl *SecureLogger) shouldLog(level LogLevel) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

// callerLocation finds the first frame outside the logging files
func callerLocation() (string, bool) {
	for depth := 3; depth <= 6; depth++ {
		_, file, line, ok := runtime.Caller(depth)
		if !ok {
			break
		}
		base := filepath.Base(file)
		if base != "logger.go" && base != "log.go" {
			return fmt.Sprintf("%s:%d", base, line), true
		}
	}
	return "", false
}

func (sl *SecureLogger) write(level LogLevel, format string, args ...interface{}) {
	if !sl.shouldLog(level) {
		return
	}

	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))

	var ev *zerolog.Event
	switch level {
	case LogLevelError:
		ev = sl.logger.Error()
	case LogLevelWarn:
		ev = sl.logger.Warn()
	case LogLevelInfo:
		ev = sl.logger.Info()
	default:
		ev = sl.logger.Debug()
	}

	sl.mu.RLock()
	debug := sl.debug
	sl.mu.RUnlock()
	if debug {
		if loc, ok := callerLocation(); ok {
			ev = ev.Str(zerolog.CallerFieldName, loc)
		}
	}
	ev.Msg(message)
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.write(LogLevelError, format, args...)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.write(LogLevelWarn, format, args...)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.write(LogLevelInfo, format, args...)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.write(LogLevelDebug, format, args...)
}

// LogHTTPRequest logs an HTTP request with sensitive data redacted
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Request: %s %s Headers: %v", req.Method, req.URL.String(), sl.sanitizeHeaders(req.Header))
}

// LogHTTPResponse logs an HTTP response with sensitive data redacted
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	url := ""
	if resp.Request != nil {
		url = resp.Request.URL.String()
	}
	sl.Debug("HTTP Response: %s %s Headers: %v", resp.Status, url, sl.sanitizeHeaders(resp.Header))
}

func (sl *SecureLogger) sanitizeHeaders(h http.Header) map[string]string {
	sanitized := make(map[string]string, len(h))
	for name, values := range h {
		if sl.isSensitiveHeader(name) {
			sanitized[name] = "[REDACTED]"
		} else {
			sanitized[name] = strings.Join(values, ", ")
		}
	}
	return sanitized
}

func (sl *SecureLogger) isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"set-cookie",
		"x-auth-token",
		"x-api-key",
		"token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel sets the logging level
func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.level = level
}

// SetDebug enables or disables debug mode
func (sl *SecureLogger) SetDebug(debug bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.debug = debug
	if debug && sl.level < LogLevelDebug {
		sl.level = LogLevelDebug
	}
}

// SetQuiet enables or disables quiet mode
func (sl *SecureLogger) SetQuiet(quiet bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.quiet = quiet
	if quiet {
		sl.level = LogLevelError
	}
}

// AddRedactor adds a custom redactor
func (sl *SecureLogger) AddRedactor(redactor Redactor) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.redactors = append(sl.redactors, redactor)
}
