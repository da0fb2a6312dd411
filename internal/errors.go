package internal

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorType represents different types of errors
type ErrorType int

const (
	ErrValidationFailed ErrorType = iota
	ErrAuthenticationFailed
	ErrAlreadyLoggedIn
	ErrNotLoggedIn
	ErrRemoteServer
	ErrUnhandledTransport
	ErrIntegrityFailure
	ErrRateLimit
	ErrHTTPStatus
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// FetchError carries the classification and diagnostics of a failed
// session or transfer operation.
type FetchError struct {
	Code       int                    `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Attempts   int                    `json:"attempts,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"` // seconds
	Context    map[string]interface{} `json:"context,omitempty"`

	// Response is the last response seen before giving up. Its body has
	// already been read into memory and can be consumed again.
	Response *http.Response `json:"-"`
	cause    error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	var parts []string

	head := fmt.Sprintf("%s error", e.Type.String())
	if e.Code != 0 {
		head = fmt.Sprintf("%s error (status: %d)", e.Type.String(), e.Code)
	}
	parts = append(parts, head)

	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.URL != "" {
		parts = append(parts, "url: "+redactSensitiveURL(e.URL))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts: %d", e.Attempts))
	}
	if e.cause != nil {
		parts = append(parts, e.cause.Error())
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause
func (e *FetchError) Unwrap() error {
	return e.cause
}

// DetailedError returns a detailed error message with all available information
func (e *FetchError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("Attempts: %d", e.Attempts))
	}
	if e.cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("Retry after: %d seconds", e.RetryAfter))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrValidationFailed:
		return "ValidationFailed"
	case ErrAuthenticationFailed:
		return "AuthenticationFailed"
	case ErrAlreadyLoggedIn:
		return "AlreadyLoggedIn"
	case ErrNotLoggedIn:
		return "NotLoggedIn"
	case ErrRemoteServer:
		return "RemoteServerError"
	case ErrUnhandledTransport:
		return "UnhandledTransportError"
	case ErrIntegrityFailure:
		return "IntegrityFailure"
	case ErrRateLimit:
		return "RateLimited"
	case ErrHTTPStatus:
		return "HTTPStatus"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewFetchError creates a FetchError with the default severity and
// suggestion of its type.
func NewFetchError(code int, message string, errorType ErrorType) *FetchError {
	return &FetchError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// WithSuggestion replaces the suggestion
func (e *FetchError) WithSuggestion(suggestion string) *FetchError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (redacted when printed)
func (e *FetchError) WithURL(url string) *FetchError {
	e.URL = url
	return e
}

// WithAttempts records how many attempts were made
func (e *FetchError) WithAttempts(n int) *FetchError {
	e.Attempts = n
	return e
}

// WithRetryAfter sets the retry delay for rate limit errors
func (e *FetchError) WithRetryAfter(seconds int) *FetchError {
	e.RetryAfter = seconds
	return e
}

// WithResponse attaches the last response seen
func (e *FetchError) WithResponse(resp *http.Response) *FetchError {
	e.Response = resp
	return e
}

// WithCause wraps an underlying error
func (e *FetchError) WithCause(err error) *FetchError {
	e.cause = err
	return e
}

// WithContext adds context information to the error
func (e *FetchError) WithContext(key string, value interface{}) *FetchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether re-invoking the whole operation may succeed
func (e *FetchError) IsRetryable() bool {
	switch e.Type {
	case ErrRemoteServer, ErrUnhandledTransport, ErrRateLimit, ErrIntegrityFailure:
		return true
	default:
		return false
	}
}

// ValidationError represents a local precondition violation detected before
// any network call.
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		sort.Strings(contextParts)
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsErrorType reports whether err, or anything it wraps, is classified as t.
// A ValidationError always classifies as ErrValidationFailed.
func IsErrorType(err error, t ErrorType) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Type == t {
		return true
	}
	if t == ErrValidationFailed {
		var ve *ValidationError
		return errors.As(err, &ve)
	}
	return false
}

func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrValidationFailed:
		return "Check the provided values and try again"
	case ErrAuthenticationFailed:
		return "Check your username/email and password, then log in again"
	case ErrAlreadyLoggedIn:
		return "Log out first if you want to switch accounts"
	case ErrNotLoggedIn:
		return "Run 'mangafetch login' first"
	case ErrRemoteServer:
		return "The server is having problems. Please try again later"
	case ErrUnhandledTransport:
		return "Check your internet connection and proxy settings"
	case ErrIntegrityFailure:
		return "The file could not be downloaded completely. Run the command again to resume"
	case ErrRateLimit:
		return "Please wait before retrying"
	case ErrHTTPStatus:
		if code == http.StatusNotFound {
			return "Verify the URL is still valid"
		}
		return "The server rejected the request"
	default:
		return "Please check the error details and try again"
	}
}

func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrRateLimit, ErrAlreadyLoggedIn:
		return SeverityWarning
	case ErrUnhandledTransport, ErrRemoteServer:
		return SeverityError
	default:
		return SeverityError
	}
}

// redactSensitiveURL drops the query string, which may carry tokens
func redactSensitiveURL(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		return url[:i] + "?[REDACTED]"
	}
	return url
}

// NewNotLoggedInError creates the error returned by operations that need a session
func NewNotLoggedInError(message string) *FetchError {
	return NewFetchError(http.StatusUnauthorized, message, ErrNotLoggedIn)
}

// NewAlreadyLoggedInError creates the error returned by a second login
func NewAlreadyLoggedInError() *FetchError {
	return NewFetchError(0, "already logged in", ErrAlreadyLoggedIn)
}

// NewAuthenticationFailedError creates an error for rejected credentials or refresh tokens
func NewAuthenticationFailedError(code int, message string) *FetchError {
	return NewFetchError(code, message, ErrAuthenticationFailed)
}

// NewIntegrityError creates an error for a transfer whose byte count never matched
func NewIntegrityError(url string, expected, received int64, attempts int) *FetchError {
	return NewFetchError(0, fmt.Sprintf("expected %d bytes, received %d", expected, received), ErrIntegrityFailure).
		WithURL(url).
		WithAttempts(attempts).
		WithContext("expected_bytes", expected).
		WithContext("received_bytes", received)
}

// NewHTTPStatusError creates an error for a terminal non-success status
func NewHTTPStatusError(url string, resp *http.Response) *FetchError {
	return NewFetchError(resp.StatusCode, fmt.Sprintf("unexpected HTTP status %s", resp.Status), ErrHTTPStatus).
		WithURL(url).
		WithResponse(resp)
}
