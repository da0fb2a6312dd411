package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"mangafetch/internal"
)

// RedirectConfig describes the identity provider used by the browser flow
type RedirectConfig struct {
	ClientID     string
	ClientSecret string
	// Issuer enables endpoint discovery; AuthURL, TokenURL and LogoutURL
	// override or replace what discovery finds.
	Issuer       string
	AuthURL      string
	TokenURL     string
	LogoutURL    string
	RedirectAddr string
	Scopes       []string
	// CheckURL is the API endpoint answering {isAuthenticated}
	CheckURL string
}

type callbackResult struct {
	code string
	err  error
}

// RedirectAuthenticator runs an authorization-code flow with PKCE. It
// listens on a loopback address for the provider's redirect and hands the
// authorization URL to OpenBrowser.
type RedirectAuthenticator struct {
	config   RedirectConfig
	client   *http.Client
	executor internal.RequestExecutor
	policy   internal.RetryPolicy
	now      func() time.Time
	logger   *internal.SecureLogger

	// OpenBrowser presents the authorization URL to the user
	OpenBrowser func(authURL string) error

	mu        sync.Mutex
	oauth     *oauth2.Config
	logoutURL string
}

// NewRedirectAuthenticator creates the browser-flow authenticator. client
// carries proxy settings into discovery and token exchanges.
func NewRedirectAuthenticator(config RedirectConfig, client *http.Client, executor internal.RequestExecutor, policy internal.RetryPolicy) *RedirectAuthenticator {
	if config.RedirectAddr == "" {
		config.RedirectAddr = "127.0.0.1:0"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RedirectAuthenticator{
		config:      config,
		client:      client,
		executor:    executor,
		policy:      policy,
		now:         time.Now,
		logger:      internal.GetLogger(),
		OpenBrowser: printAuthURL,
	}
}

func printAuthURL(authURL string) error {
	fmt.Printf("Open the following URL in your browser to log in:\n\n  %s\n\n", authURL)
	return nil
}

func (a *RedirectAuthenticator) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

// oauthConfig resolves the provider endpoints once
func (a *RedirectAuthenticator) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.oauth != nil {
		return a.oauth, nil
	}

	endpoint := oauth2.Endpoint{
		AuthURL:  a.config.AuthURL,
		TokenURL: a.config.TokenURL,
	}
	logoutURL := a.config.LogoutURL

	if a.config.Issuer != "" {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, a.client), a.config.Issuer)
		if err != nil {
			return nil, internal.NewFetchError(0, "identity provider discovery failed", internal.ErrUnhandledTransport).
				WithURL(a.config.Issuer).
				WithCause(err)
		}
		discovered := provider.Endpoint()
		if endpoint.AuthURL == "" {
			endpoint.AuthURL = discovered.AuthURL
		}
		if endpoint.TokenURL == "" {
			endpoint.TokenURL = discovered.TokenURL
		}
		if logoutURL == "" {
			var claims struct {
				EndSession string `json:"end_session_endpoint"`
			}
			if err := provider.Claims(&claims); err == nil {
				logoutURL = claims.EndSession
			}
		}
	}

	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, internal.NewValidationError("auth.issuer", "authorization and token endpoints are unknown")
	}

	scopes := a.config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}
	}

	a.oauth = &oauth2.Config{
		ClientID:     a.config.ClientID,
		ClientSecret: a.config.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	a.logoutURL = logoutURL
	return a.oauth, nil
}

// Login implements internal.Authenticator. Credentials are not used; the
// user authenticates in the browser.
func (a *RedirectAuthenticator) Login(ctx context.Context, _ internal.Credentials) (internal.TokenPair, error) {
	base, err := a.oauthConfig(ctx)
	if err != nil {
		return internal.TokenPair{}, err
	}

	ln, err := net.Listen("tcp", a.config.RedirectAddr)
	if err != nil {
		return internal.TokenPair{}, internal.NewValidationErrorWithValue("auth.redirect_addr", fmt.Sprintf("cannot listen: %v", err), a.config.RedirectAddr)
	}

	conf := *base
	conf.RedirectURL = "http://" + ln.Addr().String() + "/callback"

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", callbackHandler(state, results))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Debug("Waiting for authorization callback on %s", conf.RedirectURL)
	if err := a.OpenBrowser(authURL); err != nil {
		return internal.TokenPair{}, fmt.Errorf("opening browser: %w", err)
	}

	var result callbackResult
	select {
	case <-ctx.Done():
		return internal.TokenPair{}, ctx.Err()
	case result = <-results:
	}
	if result.err != nil {
		return internal.TokenPair{}, result.err
	}

	token, err := conf.Exchange(a.clientContext(ctx), result.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return internal.TokenPair{}, classifyOAuthError(err, "authorization code exchange failed")
	}

	a.logger.Info("Logged in through the browser")
	return a.pairFromToken(token, ""), nil
}

func callbackHandler(state string, results chan<- callbackResult) http.HandlerFunc {
	var once sync.Once
	deliver := func(r callbackResult) {
		once.Do(func() { results <- r })
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			http.Error(w, "Authorization failed: "+e, http.StatusBadRequest)
			deliver(callbackResult{err: internal.NewAuthenticationFailedError(0, fmt.Sprintf("authorization denied: %s %s", e, q.Get("error_description")))})
			return
		}
		if q.Get("state") != state {
			// A stray request must not abort the flow
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "Missing code parameter", http.StatusBadRequest)
			deliver(callbackResult{err: internal.NewAuthenticationFailedError(0, "callback carried no authorization code")})
			return
		}
		fmt.Fprintln(w, "Login complete. You can close this window.")
		deliver(callbackResult{code: code})
	}
}

// Refresh implements internal.Authenticator
func (a *RedirectAuthenticator) Refresh(ctx context.Context, refreshToken string) (internal.TokenPair, error) {
	if refreshToken == "" {
		return internal.TokenPair{}, internal.NewAuthenticationFailedError(0, "no refresh token available")
	}
	conf, err := a.oauthConfig(ctx)
	if err != nil {
		return internal.TokenPair{}, err
	}

	// An expired access token forces the source to use the refresh token
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := conf.TokenSource(a.clientContext(ctx), stale).Token()
	if err != nil {
		return internal.TokenPair{}, classifyOAuthError(err, "refresh token rejected")
	}

	a.logger.Debug("Session token refreshed")
	return a.pairFromToken(token, refreshToken), nil
}

// Logout implements internal.Authenticator. Without a logout endpoint the
// logout is local only.
func (a *RedirectAuthenticator) Logout(ctx context.Context, tokens internal.TokenPair) error {
	if _, err := a.oauthConfig(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	logoutURL := a.logoutURL
	a.mu.Unlock()
	if logoutURL == "" {
		a.logger.Debug("No logout endpoint configured, skipping remote revoke")
		return nil
	}

	form := url.Values{}
	form.Set("client_id", a.config.ClientID)
	if a.config.ClientSecret != "" {
		form.Set("client_secret", a.config.ClientSecret)
	}
	if tokens.RefreshToken != "" {
		form.Set("refresh_token", tokens.RefreshToken)
	}

	req := internal.NewRequest(http.MethodPost, logoutURL, []byte(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if tokens.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+tokens.SessionToken)
	}

	resp, err := a.executor.Execute(ctx, req, a.policy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return internal.NewHTTPStatusError(logoutURL, resp)
	}
	return nil
}

// CheckLogin implements internal.Authenticator
func (a *RedirectAuthenticator) CheckLogin(ctx context.Context, sessionToken string) (bool, error) {
	if a.config.CheckURL == "" {
		return sessionToken != "", nil
	}
	return checkLogin(ctx, a.executor, a.policy, a.config.CheckURL, sessionToken)
}

func (a *RedirectAuthenticator) pairFromToken(token *oauth2.Token, previousRefresh string) internal.TokenPair {
	now := a.now()

	refresh := token.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	var refreshExpiry time.Time
	if secs, ok := numericExtra(token.Extra("refresh_expires_in")); ok && secs > 0 {
		refreshExpiry = now.Add(time.Duration(secs * float64(time.Second)))
	}

	return buildPair(token.AccessToken, token.Expiry, refresh, refreshExpiry, now)
}

func numericExtra(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// classifyOAuthError maps a token-endpoint rejection to AuthenticationFailed
// and everything else to a transport failure.
func classifyOAuthError(err error, message string) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden {
			detail := message
			if re.ErrorCode != "" {
				detail = message + ": " + strings.TrimSpace(re.ErrorCode+" "+re.ErrorDescription)
			}
			return internal.NewAuthenticationFailedError(code, detail)
		}
		return internal.NewFetchError(code, message, internal.ErrRemoteServer).WithCause(err)
	}
	return internal.NewFetchError(0, message, internal.ErrUnhandledTransport).WithCause(err)
}
