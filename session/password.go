package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"mangafetch/internal"
	"mangafetch/utils"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 1024
)

type loginRequest struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	Result string `json:"result"`
	Token  struct {
		Session string `json:"session"`
		Refresh string `json:"refresh"`
	} `json:"token"`
}

type checkResponse struct {
	Result          string `json:"result"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// PasswordAuthenticator logs in by posting credentials directly to the
// API's auth endpoints.
type PasswordAuthenticator struct {
	baseURL  string
	executor internal.RequestExecutor
	policy   internal.RetryPolicy
	now      func() time.Time
	logger   *internal.SecureLogger
}

// NewPasswordAuthenticator creates an authenticator for the API at baseURL
func NewPasswordAuthenticator(baseURL string, executor internal.RequestExecutor, policy internal.RetryPolicy) *PasswordAuthenticator {
	return &PasswordAuthenticator{
		baseURL:  baseURL,
		executor: executor,
		policy:   policy,
		now:      time.Now,
		logger:   internal.GetLogger(),
	}
}

// ValidateCredentials checks credentials locally so malformed input never
// costs a request.
func ValidateCredentials(creds internal.Credentials) error {
	if strings.TrimSpace(creds.Username) == "" && strings.TrimSpace(creds.Email) == "" {
		return internal.NewValidationError("username", "username or email is required")
	}
	if creds.Email != "" && !strings.Contains(creds.Email, "@") {
		return internal.NewValidationErrorWithValue("email", "not a valid email address", creds.Email)
	}

	n := utf8.RuneCountInString(creds.Password)
	if n < minPasswordLength {
		return internal.NewValidationError("password", fmt.Sprintf("must be at least %d characters", minPasswordLength)).
			WithContext("length", n)
	}
	if n > maxPasswordLength {
		return internal.NewValidationError("password", fmt.Sprintf("must be at most %d characters", maxPasswordLength)).
			WithContext("length", n)
	}
	return nil
}

// Login implements internal.Authenticator
func (a *PasswordAuthenticator) Login(ctx context.Context, creds internal.Credentials) (internal.TokenPair, error) {
	if err := ValidateCredentials(creds); err != nil {
		return internal.TokenPair{}, err
	}

	body := loginRequest{Password: creds.Password}
	if creds.Username != "" {
		body.Username = creds.Username
	} else {
		body.Email = creds.Email
	}

	resp, err := a.post(ctx, "/auth/login", body, "")
	if err != nil {
		return internal.TokenPair{}, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return internal.TokenPair{}, internal.NewAuthenticationFailedError(resp.StatusCode, "invalid username, email or password")
	default:
		resp.Body.Close()
		return internal.TokenPair{}, internal.NewHTTPStatusError(utils.JoinURL(a.baseURL, "/auth/login"), resp)
	}

	var tr tokenResponse
	if err := utils.DecodeJSON(resp, &tr); err != nil {
		return internal.TokenPair{}, err
	}
	if tr.Token.Session == "" || tr.Token.Refresh == "" {
		return internal.TokenPair{}, internal.NewAuthenticationFailedError(resp.StatusCode, "login response carried no tokens")
	}

	a.logger.Info("Logged in as %s", identity(creds))
	now := a.now()
	return buildPair(tr.Token.Session, time.Time{}, tr.Token.Refresh, time.Time{}, now), nil
}

// Refresh implements internal.Authenticator. Any non-200 answer means the
// refresh token is no longer accepted.
func (a *PasswordAuthenticator) Refresh(ctx context.Context, refreshToken string) (internal.TokenPair, error) {
	if refreshToken == "" {
		return internal.TokenPair{}, internal.NewAuthenticationFailedError(0, "no refresh token available")
	}

	resp, err := a.post(ctx, "/auth/refresh", refreshRequest{Token: refreshToken}, "")
	if err != nil {
		return internal.TokenPair{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return internal.TokenPair{}, internal.NewAuthenticationFailedError(resp.StatusCode, "refresh token rejected")
	}

	var tr tokenResponse
	if err := utils.DecodeJSON(resp, &tr); err != nil {
		return internal.TokenPair{}, err
	}
	if tr.Token.Session == "" {
		return internal.TokenPair{}, internal.NewAuthenticationFailedError(resp.StatusCode, "refresh response carried no session token")
	}

	refresh := tr.Token.Refresh
	if refresh == "" {
		refresh = refreshToken
	}
	a.logger.Debug("Session token refreshed")
	return buildPair(tr.Token.Session, time.Time{}, refresh, time.Time{}, a.now()), nil
}

// Logout implements internal.Authenticator
func (a *PasswordAuthenticator) Logout(ctx context.Context, tokens internal.TokenPair) error {
	resp, err := a.post(ctx, "/auth/logout", nil, tokens.SessionToken)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return internal.NewHTTPStatusError(utils.JoinURL(a.baseURL, "/auth/logout"), resp)
	}
	return nil
}

// CheckLogin implements internal.Authenticator
func (a *PasswordAuthenticator) CheckLogin(ctx context.Context, sessionToken string) (bool, error) {
	return checkLogin(ctx, a.executor, a.policy, utils.JoinURL(a.baseURL, "/auth/check"), sessionToken)
}

func (a *PasswordAuthenticator) post(ctx context.Context, path string, payload interface{}, bearer string) (*http.Response, error) {
	req, err := utils.NewJSONRequest(http.MethodPost, utils.JoinURL(a.baseURL, path), payload)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return a.executor.Execute(ctx, req, a.policy)
}

// checkLogin asks the API whether sessionToken is still accepted
func checkLogin(ctx context.Context, executor internal.RequestExecutor, policy internal.RetryPolicy, checkURL, sessionToken string) (bool, error) {
	if sessionToken == "" {
		return false, nil
	}

	req := internal.NewRequest(http.MethodGet, checkURL, nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	req.Header.Set("Accept", "application/json")

	resp, err := executor.Execute(ctx, req, policy)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return false, nil
	default:
		resp.Body.Close()
		return false, internal.NewHTTPStatusError(checkURL, resp)
	}

	var cr checkResponse
	if err := utils.DecodeJSON(resp, &cr); err != nil {
		return false, err
	}
	return cr.IsAuthenticated, nil
}

func identity(creds internal.Credentials) string {
	if creds.Username != "" {
		return creds.Username
	}
	return creds.Email
}
