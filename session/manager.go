package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"mangafetch/internal"
	"mangafetch/utils"
)

const (
	// DefaultRenewalThreshold is how long before expiry a session token is renewed
	DefaultRenewalThreshold = 30 * time.Second

	// renewalSkew absorbs clock granularity so a token exactly at the
	// threshold is renewed rather than used for one more request.
	renewalSkew = time.Second

	renewalRetryDelay  = 5 * time.Second
	minRenewalInterval = time.Second
)

// Clock abstracts time for the renewal logic
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManagerConfig configures a Manager
type ManagerConfig struct {
	// APIBaseURL identifies requests that carry the session token
	APIBaseURL       string
	RenewalThreshold time.Duration
	RetryPolicy      internal.RetryPolicy
	// KeepSession leaves the server-side session alive on Shutdown so a
	// cached login can be restored by the next process.
	KeepSession bool
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithManagerClock replaces the wall clock, mainly for tests
func WithManagerClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithManagerLogger sets the logger; the process-wide logger is used otherwise
func WithManagerLogger(l *internal.SecureLogger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the login session: its tokens, the authenticator that
// obtained them and the background loop that keeps them fresh. Construct
// one per process and share it.
type Manager struct {
	auth     internal.Authenticator
	executor internal.RequestExecutor
	tokens   *TokenStore
	config   ManagerConfig
	clock    Clock
	logger   *internal.SecureLogger

	mu    sync.Mutex // guards state and stop
	state internal.SessionState
	stop  chan struct{}
	loops sync.WaitGroup

	// serializes refreshes between the foreground and the renewal loop
	refreshMu sync.Mutex
}

// NewManager creates an anonymous session manager
func NewManager(auth internal.Authenticator, executor internal.RequestExecutor, tokens *TokenStore, config ManagerConfig, opts ...ManagerOption) *Manager {
	if config.RenewalThreshold <= 0 {
		config.RenewalThreshold = DefaultRenewalThreshold
	}
	if tokens == nil {
		tokens = NewTokenStore(nil)
	}

	m := &Manager{
		auth:     auth,
		executor: executor,
		tokens:   tokens,
		config:   config,
		clock:    realClock{},
		state:    internal.StateAnonymous,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = internal.GetLogger()
	}
	return m
}

// State returns the current lifecycle state
func (m *Manager) State() internal.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsLoggedIn reports whether requests are currently authenticated
func (m *Manager) IsLoggedIn() bool {
	s := m.State()
	return s == internal.StateAuthenticated || s == internal.StateRenewing
}

// Expiry returns the expiry of the current session and refresh tokens
func (m *Manager) Expiry() (session, refresh time.Time) {
	pair := m.tokens.Get()
	return pair.SessionExpiry, pair.RefreshExpiry
}

// RetryPolicy returns the default policy used by Get and Post
func (m *Manager) RetryPolicy() internal.RetryPolicy {
	return m.config.RetryPolicy
}

// Login authenticates and starts background renewal
func (m *Manager) Login(ctx context.Context, creds internal.Credentials) error {
	m.mu.Lock()
	switch m.state {
	case internal.StateAnonymous, internal.StateLoggedOut:
	default:
		m.mu.Unlock()
		return internal.NewAlreadyLoggedInError()
	}
	m.state = internal.StateAuthenticating
	m.mu.Unlock()

	pair, err := m.auth.Login(ctx, creds)
	if err != nil {
		m.setState(internal.StateAnonymous)
		return err
	}

	m.mu.Lock()
	m.tokens.Set(pair)
	m.state = internal.StateAuthenticated
	m.startLoopLocked()
	m.mu.Unlock()

	m.logger.Debug("Session valid until %s", pair.SessionExpiry.Format(time.RFC3339))
	return nil
}

// Restore resumes a session from the login cache. It fails with
// NotLoggedIn when the cache holds nothing usable.
func (m *Manager) Restore(ctx context.Context) error {
	if m.IsLoggedIn() || m.State() == internal.StateAuthenticating {
		return internal.NewAlreadyLoggedInError()
	}

	pair, err := m.tokens.Load()
	if err != nil {
		return err
	}
	if !pair.RefreshValid(m.clock.Now()) {
		if !pair.IsZero() {
			m.tokens.Clear()
		}
		return internal.NewNotLoggedInError("no cached session")
	}

	m.mu.Lock()
	m.state = internal.StateAuthenticated
	m.startLoopLocked()
	m.mu.Unlock()

	m.logger.Debug("Restored cached session")
	return m.EnsureValid(ctx)
}

// EnsureValid renews the session token when it is within the renewal
// threshold of expiry. A rejected or expired refresh token degrades the
// session to anonymous and yields NotLoggedIn.
func (m *Manager) EnsureValid(ctx context.Context) error {
	if !m.IsLoggedIn() {
		return internal.NewNotLoggedInError("not logged in")
	}
	if !m.needsRenewal(m.tokens.Get()) {
		return nil
	}
	return m.renew(ctx)
}

func (m *Manager) needsRenewal(pair internal.TokenPair) bool {
	if pair.SessionToken == "" {
		return true
	}
	return !m.clock.Now().Before(m.renewAt(pair))
}

func (m *Manager) renewAt(pair internal.TokenPair) time.Time {
	return pair.SessionExpiry.Add(-(m.config.RenewalThreshold + renewalSkew))
}

func (m *Manager) renew(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if !m.IsLoggedIn() {
		return internal.NewNotLoggedInError("not logged in")
	}
	pair := m.tokens.Get()
	if !m.needsRenewal(pair) {
		return nil
	}

	now := m.clock.Now()
	if !pair.RefreshValid(now) {
		m.degrade("refresh token expired")
		return internal.NewNotLoggedInError("session expired, log in again")
	}

	if !m.compareAndSetState(internal.StateAuthenticated, internal.StateRenewing) {
		return internal.NewNotLoggedInError("not logged in")
	}

	fresh, err := m.auth.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		if internal.IsErrorType(err, internal.ErrAuthenticationFailed) {
			m.degrade("refresh token rejected")
			return internal.NewNotLoggedInError("session expired, log in again").WithCause(err)
		}
		m.compareAndSetState(internal.StateRenewing, internal.StateAuthenticated)
		if pair.SessionValid(now) {
			m.logger.Warn("Session refresh failed, using current token until it expires: %v", err)
			return nil
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != internal.StateRenewing {
		// logged out while the refresh was in flight
		return internal.NewNotLoggedInError("not logged in")
	}
	m.tokens.Set(fresh)
	m.state = internal.StateAuthenticated
	m.logger.Debug("Session renewed, valid until %s", fresh.SessionExpiry.Format(time.RFC3339))
	return nil
}

// degrade drops the session after its refresh token became unusable
func (m *Manager) degrade(reason string) {
	m.mu.Lock()
	m.state = internal.StateAnonymous
	m.tokens.Clear()
	m.stopLoopLocked()
	m.mu.Unlock()

	m.logger.Warn("Session ended (%s); log in again to continue authenticated", reason)
}

// Logout revokes the session on the server when it is still accepted
// there, then clears local state. Remote failures are logged only.
func (m *Manager) Logout(ctx context.Context) error {
	if !m.IsLoggedIn() {
		return internal.NewNotLoggedInError("not logged in")
	}

	if err := m.EnsureValid(ctx); err != nil {
		if internal.IsErrorType(err, internal.ErrNotLoggedIn) {
			return err
		}
		m.logger.Warn("Could not renew session before logout: %v", err)
	}

	pair := m.tokens.Get()
	active, err := m.auth.CheckLogin(ctx, pair.SessionToken)
	switch {
	case err != nil:
		m.logger.Warn("Could not verify session before logout: %v", err)
		m.revoke(ctx, pair)
	case !active:
		m.logger.Info("Session no longer accepted by the server, logging out locally")
	default:
		m.revoke(ctx, pair)
	}

	m.mu.Lock()
	m.state = internal.StateLoggedOut
	m.tokens.Clear()
	m.stopLoopLocked()
	m.mu.Unlock()

	m.logger.Info("Logged out")
	return nil
}

func (m *Manager) revoke(ctx context.Context, pair internal.TokenPair) {
	if err := m.auth.Logout(ctx, pair); err != nil {
		m.logger.Warn("Server-side logout failed, clearing local session anyway: %v", err)
	}
}

// Shutdown stops background renewal and, unless the session is cached for
// the next run, logs out. It waits for the renewal loop to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.stopLoopLocked()
	m.mu.Unlock()

	if m.IsLoggedIn() && !m.config.KeepSession {
		if err := m.Logout(ctx); err != nil {
			m.logger.Debug("Logout during shutdown: %v", err)
		}
	}

	m.loops.Wait()
}

// Execute sends req through the executor. Requests to the API host, or
// marked RequireAuth, carry the session token; RequireAuth additionally
// fails with NotLoggedIn when there is no session.
func (m *Manager) Execute(ctx context.Context, req *internal.Request, policy internal.RetryPolicy) (*http.Response, error) {
	out := req.Clone()

	if req.RequireAuth || utils.SameHost(req.URL, m.config.APIBaseURL) {
		if req.RequireAuth || m.IsLoggedIn() {
			if err := m.EnsureValid(ctx); err != nil {
				if req.RequireAuth {
					return nil, err
				}
				m.logger.Debug("Continuing without authentication: %v", err)
			}
		}
		if token := m.tokens.Get().SessionToken; token != "" && m.IsLoggedIn() {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}

	return m.executor.Execute(ctx, out, policy)
}

// Get performs a GET with the default retry policy
func (m *Manager) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req := internal.NewRequest(http.MethodGet, rawURL, nil)
	req.Header.Set("Accept", "application/json")
	return m.Execute(ctx, req, m.config.RetryPolicy)
}

// Post performs a JSON POST with the default retry policy
func (m *Manager) Post(ctx context.Context, rawURL string, payload interface{}) (*http.Response, error) {
	req, err := utils.NewJSONRequest(http.MethodPost, rawURL, payload)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, req, m.config.RetryPolicy)
}

func (m *Manager) setState(s internal.SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) compareAndSetState(from, to internal.SessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	return true
}

func (m *Manager) startLoopLocked() {
	if m.stop != nil {
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	m.loops.Add(1)
	go m.renewalLoop(stop)
}

func (m *Manager) stopLoopLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// renewalLoop refreshes the session shortly before it expires until stop
// is closed.
func (m *Manager) renewalLoop(stop <-chan struct{}) {
	defer m.loops.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	wait := m.untilRenewal()
	for {
		select {
		case <-stop:
			return
		case <-m.clock.After(wait):
		}

		err := m.renew(ctx)
		switch {
		case err == nil:
			wait = m.untilRenewal()
			if wait < minRenewalInterval {
				wait = minRenewalInterval
			}
		case ctx.Err() != nil, internal.IsErrorType(err, internal.ErrNotLoggedIn):
			return
		default:
			m.logger.Warn("Background session renewal failed, retrying in %s: %v", renewalRetryDelay, err)
			wait = renewalRetryDelay
		}
	}
}

func (m *Manager) untilRenewal() time.Duration {
	pair := m.tokens.Get()
	if pair.SessionToken == "" {
		return 0
	}
	wait := m.renewAt(pair).Sub(m.clock.Now())
	if wait < 0 {
		return 0
	}
	return wait
}
