package internal

import (
	"context"
	"net/http"
)

// Authenticator performs the remote side of a login. Implementations never
// hold tokens themselves; the session manager passes the current ones in.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (TokenPair, error)
	Logout(ctx context.Context, tokens TokenPair) error
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	CheckLogin(ctx context.Context, sessionToken string) (bool, error)
}

// RequestExecutor sends a request under a retry policy
type RequestExecutor interface {
	Execute(ctx context.Context, req *Request, policy RetryPolicy) (*http.Response, error)
}

// ReportSubmitter accepts telemetry without blocking the caller
type ReportSubmitter interface {
	Submit(record ReportRecord)
}

// TokenPersister stores a token pair across process restarts
type TokenPersister interface {
	Save(pair TokenPair) error
	Load() (TokenPair, error)
	Clear() error
}

// RateLimiter controls bandwidth usage
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
