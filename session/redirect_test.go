package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangafetch/internal"
)

type fakeProvider struct {
	server   *httptest.Server
	verifier atomic.Value
	logouts  int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "code-123" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			p.verifier.Store(r.Form.Get("code_verifier"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":       "s1",
				"token_type":         "Bearer",
				"expires_in":         900,
				"refresh_token":      "r1",
				"refresh_expires_in": 3600,
			})
		case "refresh_token":
			if r.Form.Get("refresh_token") != "r1" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant","error_description":"token expired"}`))
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "s2",
				"token_type":   "Bearer",
				"expires_in":   900,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("refresh_token") == "r1" {
			atomic.AddInt32(&p.logouts, 1)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) authenticator(logoutURL string) *RedirectAuthenticator {
	a := NewRedirectAuthenticator(RedirectConfig{
		ClientID:  "mangafetch",
		AuthURL:   p.server.URL + "/authorize",
		TokenURL:  p.server.URL + "/token",
		LogoutURL: logoutURL,
	}, p.server.Client(), newTestAuthExecutor(), testPolicy)
	a.logger = internal.NopLogger()
	return a
}

// completeInBrowser plays the user: it follows the authorization URL's
// redirect_uri back to the local callback.
func completeInBrowser(t *testing.T, code string) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.NotEmpty(t, q.Get("code_challenge"))

		callback := q.Get("redirect_uri") + "?" + url.Values{
			"state": {q.Get("state")},
			"code":  {code},
		}.Encode()
		resp, err := http.Get(callback)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

func TestRedirectAuthenticator_Login(t *testing.T) {
	p := newFakeProvider(t)
	auth := p.authenticator("")
	auth.OpenBrowser = completeInBrowser(t, "code-123")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	before := time.Now()
	pair, err := auth.Login(ctx, internal.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, "s1", pair.SessionToken)
	assert.Equal(t, "r1", pair.RefreshToken)
	assert.NotEmpty(t, p.verifier.Load(), "token exchange must carry the PKCE verifier")
	assert.WithinDuration(t, before.Add(15*time.Minute), pair.SessionExpiry, 5*time.Second)
	assert.WithinDuration(t, before.Add(time.Hour), pair.RefreshExpiry, 5*time.Second)
}

func TestRedirectAuthenticator_LoginBadCode(t *testing.T) {
	p := newFakeProvider(t)
	auth := p.authenticator("")
	auth.OpenBrowser = completeInBrowser(t, "wrong")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := auth.Login(ctx, internal.Credentials{})
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrAuthenticationFailed))
}

func TestRedirectAuthenticator_LoginCancelled(t *testing.T) {
	p := newFakeProvider(t)
	auth := p.authenticator("")
	auth.OpenBrowser = func(string) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := auth.Login(ctx, internal.Credentials{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackHandler(t *testing.T) {
	results := make(chan callbackResult, 1)
	h := callbackHandler("expected", results)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/callback?state=forged&code=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, results, "a forged state must not end the flow")

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	res := <-results
	assert.True(t, internal.IsErrorType(res.err, internal.ErrAuthenticationFailed))
}

func TestRedirectAuthenticator_Refresh(t *testing.T) {
	p := newFakeProvider(t)
	auth := p.authenticator("")
	ctx := context.Background()

	pair, err := auth.Refresh(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "s2", pair.SessionToken)
	assert.Equal(t, "r1", pair.RefreshToken)

	_, err = auth.Refresh(ctx, "revoked")
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrAuthenticationFailed))
}

func TestRedirectAuthenticator_Logout(t *testing.T) {
	p := newFakeProvider(t)
	ctx := context.Background()
	pair := internal.TokenPair{SessionToken: "s1", RefreshToken: "r1"}

	require.NoError(t, p.authenticator("").Logout(ctx, pair))
	assert.Zero(t, atomic.LoadInt32(&p.logouts), "no logout endpoint means local logout only")

	require.NoError(t, p.authenticator(p.server.URL+"/logout").Logout(ctx, pair))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.logouts))
}

func TestRedirectAuthenticator_MissingEndpoints(t *testing.T) {
	auth := NewRedirectAuthenticator(RedirectConfig{ClientID: "mangafetch"}, nil, newTestAuthExecutor(), testPolicy)
	_, err := auth.Refresh(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrValidationFailed))
}
