package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangafetch/internal"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := c.now.Add(d)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, clockWaiter{at: at, ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
}

func (c *fakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakeAuth struct {
	mu         sync.Mutex
	clock      *fakeClock
	loginPair  internal.TokenPair
	loginErr   error
	refreshErr error
	refreshes  int
	logouts    int
	checks     int
	active     bool
	checkErr   error
	refreshed  chan struct{}
}

func newFakeAuth(clock *fakeClock) *fakeAuth {
	now := clock.Now()
	return &fakeAuth{
		clock: clock,
		loginPair: internal.TokenPair{
			SessionToken:  "s1",
			SessionExpiry: now.Add(15 * time.Minute),
			RefreshToken:  "r1",
			RefreshExpiry: now.Add(time.Hour),
		},
		active:    true,
		refreshed: make(chan struct{}, 16),
	}
}

func (a *fakeAuth) Login(ctx context.Context, creds internal.Credentials) (internal.TokenPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loginErr != nil {
		return internal.TokenPair{}, a.loginErr
	}
	return a.loginPair, nil
}

func (a *fakeAuth) Refresh(ctx context.Context, refreshToken string) (internal.TokenPair, error) {
	a.mu.Lock()
	a.refreshes++
	err := a.refreshErr
	n := a.refreshes
	a.mu.Unlock()

	defer func() { a.refreshed <- struct{}{} }()
	if err != nil {
		return internal.TokenPair{}, err
	}
	now := a.clock.Now()
	return internal.TokenPair{
		SessionToken:  "s" + string(rune('1'+n)),
		SessionExpiry: now.Add(15 * time.Minute),
		RefreshToken:  refreshToken,
		RefreshExpiry: now.Add(time.Hour),
	}, nil
}

func (a *fakeAuth) Logout(ctx context.Context, tokens internal.TokenPair) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	return nil
}

func (a *fakeAuth) CheckLogin(ctx context.Context, sessionToken string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks++
	return a.active, a.checkErr
}

func (a *fakeAuth) counts() (refreshes, logouts int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes, a.logouts
}

type recordingExecutor struct {
	mu       sync.Mutex
	requests []*internal.Request
}

func (e *recordingExecutor) Execute(ctx context.Context, req *internal.Request, policy internal.RetryPolicy) (*http.Response, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	return rec.Result(), nil
}

func (e *recordingExecutor) last() *internal.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

const testAPI = "https://api.mangadex.test"

func newTestManager(t *testing.T, keep bool) (*Manager, *fakeAuth, *fakeClock, *recordingExecutor) {
	t.Helper()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	auth := newFakeAuth(clock)
	exec := &recordingExecutor{}
	m := NewManager(auth, exec, NewTokenStore(nil), ManagerConfig{
		APIBaseURL:       testAPI,
		RenewalThreshold: 30 * time.Second,
		RetryPolicy:      testPolicy,
		KeepSession:      keep,
	}, WithManagerClock(clock), WithManagerLogger(internal.NopLogger()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, auth, clock, exec
}

var testCreds = internal.Credentials{Username: "reader", Password: "password1"}

func TestManager_LoginAndAlreadyLoggedIn(t *testing.T) {
	m, _, _, _ := newTestManager(t, false)
	ctx := context.Background()

	assert.Equal(t, internal.StateAnonymous, m.State())
	require.NoError(t, m.Login(ctx, testCreds))
	assert.Equal(t, internal.StateAuthenticated, m.State())
	assert.True(t, m.IsLoggedIn())

	err := m.Login(ctx, testCreds)
	assert.True(t, internal.IsErrorType(err, internal.ErrAlreadyLoggedIn))
}

func TestManager_LoginFailureStaysAnonymous(t *testing.T) {
	m, auth, _, _ := newTestManager(t, false)
	auth.loginErr = internal.NewAuthenticationFailedError(http.StatusUnauthorized, "bad password")

	err := m.Login(context.Background(), testCreds)
	assert.True(t, internal.IsErrorType(err, internal.ErrAuthenticationFailed))
	assert.Equal(t, internal.StateAnonymous, m.State())
	assert.True(t, m.tokens.Get().IsZero())
}

func TestManager_RenewsOnlyInsideThreshold(t *testing.T) {
	m, auth, clock, _ := newTestManager(t, false)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, testCreds))

	// 15 minutes of validity: nothing to do yet
	require.NoError(t, m.EnsureValid(ctx))
	refreshes, _ := auth.counts()
	assert.Zero(t, refreshes)

	// 32s before expiry is still outside threshold plus skew
	clock.mu.Lock()
	clock.now = clock.now.Add(15*time.Minute - 32*time.Second)
	clock.mu.Unlock()
	require.NoError(t, m.EnsureValid(ctx))
	refreshes, _ = auth.counts()
	assert.Zero(t, refreshes)

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Second)
	clock.mu.Unlock()
	require.NoError(t, m.EnsureValid(ctx))
	require.NoError(t, m.EnsureValid(ctx))

	refreshes, _ = auth.counts()
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, "s2", m.tokens.Get().SessionToken)
	assert.Equal(t, internal.StateAuthenticated, m.State())
}

func TestManager_ExpiredRefreshTokenDegrades(t *testing.T) {
	m, auth, clock, _ := newTestManager(t, false)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, testCreds))

	clock.mu.Lock()
	clock.now = clock.now.Add(2 * time.Hour)
	clock.mu.Unlock()

	err := m.EnsureValid(ctx)
	assert.True(t, internal.IsErrorType(err, internal.ErrNotLoggedIn))
	assert.Equal(t, internal.StateAnonymous, m.State())
	assert.True(t, m.tokens.Get().IsZero())

	refreshes, _ := auth.counts()
	assert.Zero(t, refreshes, "an expired refresh token is never sent")

	err = m.EnsureValid(ctx)
	assert.True(t, internal.IsErrorType(err, internal.ErrNotLoggedIn))
}

func TestManager_RejectedRefreshDegrades(t *testing.T) {
	m, auth, clock, _ := newTestManager(t, false)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, testCreds))
	auth.refreshErr = internal.NewAuthenticationFailedError(http.StatusUnauthorized, "revoked")

	clock.mu.Lock()
	clock.now = clock.now.Add(15*time.Minute - 10*time.Second)
	clock.mu.Unlock()

	err := m.EnsureValid(ctx)
	assert.True(t, internal.IsErrorType(err, internal.ErrNotLoggedIn))
	assert.Equal(t, internal.StateAnonymous, m.State())
}

func TestManager_TransientRefreshFailureKeepsValidSession(t *testing.T) {
	m, auth, clock, _ := newTestManager(t, false)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, testCreds))
	auth.refreshErr = errors.New("connection reset")

	clock.mu.Lock()
	clock.now = clock.now.Add(15*time.Minute - 10*time.Second)
	clock.mu.Unlock()

	require.NoError(t, m.EnsureValid(ctx))
	assert.Equal(t, internal.StateAuthenticated, m.State())
	assert.Equal(t, "s1", m.tokens.Get().SessionToken)

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Minute)
	clock.mu.Unlock()

	err := m.EnsureValid(ctx)
	require.Error(t, err)
	assert.Equal(t, internal.StateAuthenticated, m.State(), "refresh token is still valid")
}

func TestManager_BackgroundRenewal(t *testing.T) {
	m, auth, clock, _ := newTestManager(t, false)
	require.NoError(t, m.Login(context.Background(), testCreds))

	require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
	clock.Advance(15*time.Minute - 32*time.Second)
	refreshes, _ := auth.counts()
	assert.Zero(t, refreshes)

	clock.Advance(time.Second)
	select {
	case <-auth.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal loop did not refresh the session")
	}

	require.Eventually(t, func() bool { return m.tokens.Get().SessionToken == "s2" }, time.Second, time.Millisecond)
	refreshes, _ = auth.counts()
	assert.Equal(t, 1, refreshes)
}

func TestManager_LogoutRequiresSession(t *testing.T) {
	m, _, _, _ := newTestManager(t, false)
	err := m.Logout(context.Background())
	assert.True(t, internal.IsErrorType(err, internal.ErrNotLoggedIn))
}

func TestManager_LogoutClearsStateAndStopsLoop(t *testing.T) {
	m, auth, clock, _ := newTestManager(t, false)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, testCreds))

	require.NoError(t, m.Logout(ctx))
	assert.Equal(t, internal.StateLoggedOut, m.State())
	assert.True(t, m.tokens.Get().IsZero())
	_, logouts := auth.counts()
	assert.Equal(t, 1, logouts)

	m.loops.Wait()
	clock.Advance(time.Hour)
	refreshes, _ := auth.counts()
	assert.Zero(t, refreshes)

	// a logged-out manager accepts a fresh login
	require.NoError(t, m.Login(ctx, testCreds))
	assert.Equal(t, internal.StateAuthenticated, m.State())
}

func TestManager_LogoutSkipsRevokeForInactiveSession(t *testing.T) {
	m, auth, _, _ := newTestManager(t, false)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, testCreds))
	auth.active = false

	require.NoError(t, m.Logout(ctx))
	_, logouts := auth.counts()
	assert.Zero(t, logouts)
	assert.Equal(t, internal.StateLoggedOut, m.State())
}

func TestManager_ExecuteAttachesTokenOnlyForAPIHost(t *testing.T) {
	m, _, _, exec := newTestManager(t, false)
	ctx := context.Background()

	resp, err := m.Get(ctx, testAPI+"/manga")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, exec.last().Header.Get("Authorization"), "anonymous requests carry no token")

	require.NoError(t, m.Login(ctx, testCreds))

	resp, err = m.Get(ctx, testAPI+"/user/follows/manga")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer s1", exec.last().Header.Get("Authorization"))

	resp, err = m.Get(ctx, "https://uploads.mangadex.test/data/abc/1.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, exec.last().Header.Get("Authorization"), "the token never leaves the API host")
}

func TestManager_ExecuteRequireAuth(t *testing.T) {
	m, _, _, _ := newTestManager(t, false)
	req := internal.NewRequest(http.MethodGet, testAPI+"/user/me", nil)
	req.RequireAuth = true

	_, err := m.Execute(context.Background(), req, testPolicy)
	assert.True(t, internal.IsErrorType(err, internal.ErrNotLoggedIn))
	assert.Empty(t, req.Header.Get("Authorization"), "the caller's request is never mutated")
}

func TestManager_RestoreFromCache(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	auth := newFakeAuth(clock)
	persister := &memoryPersister{pair: auth.loginPair}

	m := NewManager(auth, &recordingExecutor{}, NewTokenStore(persister), ManagerConfig{APIBaseURL: testAPI, KeepSession: true},
		WithManagerClock(clock), WithManagerLogger(internal.NopLogger()))
	defer m.Shutdown(context.Background())

	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, internal.StateAuthenticated, m.State())
	assert.Equal(t, "s1", m.tokens.Get().SessionToken)
}

func TestManager_RestoreWithoutUsableCache(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	auth := newFakeAuth(clock)
	stale := auth.loginPair
	stale.RefreshExpiry = clock.Now().Add(-time.Minute)
	persister := &memoryPersister{pair: stale}

	m := NewManager(auth, &recordingExecutor{}, NewTokenStore(persister), ManagerConfig{APIBaseURL: testAPI},
		WithManagerClock(clock), WithManagerLogger(internal.NopLogger()))

	err := m.Restore(context.Background())
	assert.True(t, internal.IsErrorType(err, internal.ErrNotLoggedIn))
	assert.Equal(t, internal.StateAnonymous, m.State())
	assert.True(t, persister.pair.IsZero(), "stale cache entries are removed")
}

func TestManager_ShutdownLogsOutUnlessKept(t *testing.T) {
	m, auth, _, _ := newTestManager(t, false)
	require.NoError(t, m.Login(context.Background(), testCreds))
	m.Shutdown(context.Background())
	_, logouts := auth.counts()
	assert.Equal(t, 1, logouts)
	assert.Equal(t, internal.StateLoggedOut, m.State())

	kept, keptAuth, _, _ := newTestManager(t, true)
	require.NoError(t, kept.Login(context.Background(), testCreds))
	kept.Shutdown(context.Background())
	_, logouts = keptAuth.counts()
	assert.Zero(t, logouts)
	assert.Equal(t, internal.StateAuthenticated, kept.State())
}
