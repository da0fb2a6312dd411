package internal

import (
	"net/http"
	"time"
)

// TokenPair holds the session and refresh credentials of one login.
// A token is only meaningful together with its expiry; a half-set pair is
// normalized away by the token store.
type TokenPair struct {
	SessionToken  string    `json:"session_token,omitempty"`
	SessionExpiry time.Time `json:"session_expiry,omitempty"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitempty"`
}

// IsZero reports whether the pair carries no credentials at all
func (p TokenPair) IsZero() bool {
	return p.SessionToken == "" && p.RefreshToken == ""
}

// SessionValid reports whether the session token is usable at now
func (p TokenPair) SessionValid(now time.Time) bool {
	return p.SessionToken != "" && now.Before(p.SessionExpiry)
}

// RefreshValid reports whether the refresh token is usable at now
func (p TokenPair) RefreshValid(now time.Time) bool {
	return p.RefreshToken != "" && now.Before(p.RefreshExpiry)
}

// Normalized drops any token whose expiry is missing and any expiry whose
// token is missing.
func (p TokenPair) Normalized() TokenPair {
	if p.SessionToken == "" || p.SessionExpiry.IsZero() {
		p.SessionToken = ""
		p.SessionExpiry = time.Time{}
	}
	if p.RefreshToken == "" || p.RefreshExpiry.IsZero() {
		p.RefreshToken = ""
		p.RefreshExpiry = time.Time{}
	}
	return p
}

// SessionState is the lifecycle state of a SessionManager
type SessionState int

const (
	StateAnonymous SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateRenewing
	StateLoggedOut
)

func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRenewing:
		return "renewing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Credentials are the inputs of a password login. Either Username or Email
// identifies the account.
type Credentials struct {
	Username string
	Email    string
	Password string
}

// UnlimitedAttempts as RetryPolicy.MaxAttempts retries until the caller's
// context is cancelled.
const UnlimitedAttempts = 0

// RetryPolicy bounds the attempts made for one outbound request
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Unlimited reports whether the policy never gives up on its own
func (p RetryPolicy) Unlimited() bool {
	return p.MaxAttempts <= UnlimitedAttempts
}

// Request is a re-sendable description of an outbound HTTP call. The body
// is held in memory so every retry sends identical bytes.
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	RequireAuth bool
}

// NewRequest creates a request with an empty header set
func NewRequest(method, url string, body []byte) *Request {
	return &Request{
		Method: method,
		URL:    url,
		Header: make(http.Header),
		Body:   body,
	}
}

// Clone returns a deep copy so callers can add headers per attempt
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return &c
}

// TransferState describes one in-flight resumable download. It is owned by
// the downloader for the duration of the transfer.
type TransferState struct {
	ID              string
	URL             string
	DestinationPath string
	TempPath        string
	ExpectedSize    int64 // -1 when unknown
	BytesWritten    int64
	SupportsRange   bool
	ETag            string
	LastModified    string
	StartedAt       time.Time
}

// ReportRecord is one telemetry entry about a download attempt. Records are
// immutable once submitted.
type ReportRecord struct {
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	Cached     bool   `json:"cached"`
	Bytes      int64  `json:"bytes"`
	DurationMS int64  `json:"duration"`
}

// Outcome is the terminal result of a download
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeComplete
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}
