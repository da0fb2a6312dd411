package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mangafetch/internal"
)

const (
	defaultSessionLifetime = 15 * time.Minute
	defaultRefreshLifetime = 30 * 24 * time.Hour
)

// tokenExpiry reads the exp claim of a JWT without verifying it. The
// signature is the server's concern; the client only needs to know when to
// renew. Opaque tokens get now+fallback.
func tokenExpiry(raw string, now time.Time, fallback time.Duration) time.Time {
	if raw == "" {
		return time.Time{}
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(fallback)
}

// buildPair assembles a TokenPair. A zero expiry is resolved from the
// token itself.
func buildPair(session string, sessionExpiry time.Time, refresh string, refreshExpiry time.Time, now time.Time) internal.TokenPair {
	if sessionExpiry.IsZero() {
		sessionExpiry = tokenExpiry(session, now, defaultSessionLifetime)
	}
	if refreshExpiry.IsZero() {
		refreshExpiry = tokenExpiry(refresh, now, defaultRefreshLifetime)
	}
	return internal.TokenPair{
		SessionToken:  session,
		SessionExpiry: sessionExpiry,
		RefreshToken:  refresh,
		RefreshExpiry: refreshExpiry,
	}.Normalized()
}
