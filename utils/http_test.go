package utils

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangafetch/internal"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, opts ...ExecutorOption) (*Executor, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	opts = append([]ExecutorOption{WithSleeper(sleeper.Sleep), WithLogger(internal.NopLogger())}, opts...)
	return NewExecutor(&http.Client{Timeout: 5 * time.Second}, cfg, opts...), sleeper
}

func policy(n int) internal.RetryPolicy {
	return internal.RetryPolicy{MaxAttempts: n, BaseDelay: 500 * time.Millisecond, MaxDelay: 2500 * time.Millisecond}
}

func TestExecute_RetryAfterTwiceThenSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	exec, sleeper := newTestExecutor(t, ExecutorConfig{})
	resp, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(5))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.Delays())
}

func TestExecute_RateLimitHeaderTakesPrecedence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("X-RateLimit-Retry-After", strconv.FormatInt(now.Add(7*time.Second).Unix(), 10))
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	exec, sleeper := newTestExecutor(t, ExecutorConfig{}, WithClock(func() time.Time { return now }))
	resp, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(3))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{7 * time.Second}, sleeper.Delays())
}

func TestExecute_RateLimitWithoutHeaderUsesDefault(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec, sleeper := newTestExecutor(t, ExecutorConfig{DefaultRateLimitDelay: 42 * time.Second})
	resp, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(3))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{42 * time.Second}, sleeper.Delays())
}

func TestExecute_RateLimitExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	exec, sleeper := newTestExecutor(t, ExecutorConfig{})
	_, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(3))
	require.Error(t, err)

	assert.True(t, internal.IsErrorType(err, internal.ErrRateLimit))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, sleeper.Delays(), 2)
}

func TestExecute_ServerErrorExactAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte("upstream down"))
			}))
			defer server.Close()

			exec, sleeper := newTestExecutor(t, ExecutorConfig{})
			_, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(n))
			require.Error(t, err)

			assert.Equal(t, int32(n), atomic.LoadInt32(&calls))
			assert.Len(t, sleeper.Delays(), n-1)

			var fe *internal.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, internal.ErrRemoteServer, fe.Type)
			assert.Equal(t, n, fe.Attempts)
			require.NotNil(t, fe.Response)
			body, readErr := io.ReadAll(fe.Response.Body)
			require.NoError(t, readErr)
			assert.Equal(t, "upstream down", string(body))
		})
	}
}

func TestExecute_ServerErrorRecoversBeforeExhaustion(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// N-1 failures must not raise
	exec, _ := newTestExecutor(t, ExecutorConfig{})
	resp, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(3))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecute_LinearBackoffCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	exec, sleeper := newTestExecutor(t, ExecutorConfig{})
	_, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(8))
	require.Error(t, err)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{500 * ms, 1000 * ms, 1500 * ms, 2000 * ms, 2500 * ms, 2500 * ms, 2500 * ms}, sleeper.Delays())
}

func TestExecute_NoRetryHost(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	// httptest listens on 127.0.0.1
	exec, sleeper := newTestExecutor(t, ExecutorConfig{NoRetryHosts: []string{"127.0.0.1"}})
	resp, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(5))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, sleeper.Delays())
}

func TestExecute_ClientErrorsReturnedImmediately(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(status)
			}))
			defer server.Close()

			exec, _ := newTestExecutor(t, ExecutorConfig{})
			resp, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(5))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr + "/"
}

func TestExecute_TransportErrorExactAttempts(t *testing.T) {
	url := closedServerURL(t)

	exec, sleeper := newTestExecutor(t, ExecutorConfig{})
	_, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, url, nil), policy(4))
	require.Error(t, err)

	var fe *internal.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, internal.ErrUnhandledTransport, fe.Type)
	assert.Equal(t, 4, fe.Attempts)
	assert.NotNil(t, fe.Unwrap())
	assert.Len(t, sleeper.Delays(), 3)
}

func TestExecute_UnlimitedStopsOnCancel(t *testing.T) {
	url := closedServerURL(t)

	ctx, cancel := context.WithCancel(context.Background())
	var sleeps int32
	sleeper := func(ctx context.Context, d time.Duration) error {
		if atomic.AddInt32(&sleeps, 1) == 10 {
			cancel()
		}
		return ctx.Err()
	}
	exec := NewExecutor(nil, ExecutorConfig{}, WithSleeper(sleeper), WithLogger(internal.NopLogger()))

	_, err := exec.Execute(ctx, internal.NewRequest(http.MethodGet, url, nil), internal.RetryPolicy{MaxAttempts: internal.UnlimitedAttempts})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(10), atomic.LoadInt32(&sleeps))
}

func TestExecute_ResendsBodyAndHeaders(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "bytes=10-", r.Header.Get("Range"))
		assert.Equal(t, "mangafetch/1.0", r.Header.Get("User-Agent"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	req, err := NewJSONRequest(http.MethodPost, server.URL, map[string]int{"a": 1})
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=10-")

	exec, _ := newTestExecutor(t, ExecutorConfig{})
	resp, err := exec.Execute(context.Background(), req, policy(2))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestExecute_InvalidURLIsValidationError(t *testing.T) {
	exec, sleeper := newTestExecutor(t, ExecutorConfig{})
	_, err := exec.Execute(context.Background(), internal.NewRequest(http.MethodGet, "http://[::1", nil), policy(3))
	assert.True(t, internal.IsErrorType(err, internal.ErrValidationFailed))
	assert.Empty(t, sleeper.Delays())
}

func TestDecodeJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"isAuthenticated":true}`))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)

	var out struct {
		IsAuthenticated bool `json:"isAuthenticated"`
	}
	require.NoError(t, DecodeJSON(resp, &out))
	assert.True(t, out.IsAuthenticated)
}

func TestNewHTTPClient_Proxy(t *testing.T) {
	client, err := NewHTTPClient(&HTTPClientConfig{Timeout: time.Second, ProxyURL: "socks5://user:pw@127.0.0.1:1080"})
	require.NoError(t, err)
	assert.Zero(t, client.Timeout, "the body of a long transfer must not be cut off")
	transport := client.Transport.(*http.Transport)
	assert.Equal(t, time.Second, transport.ResponseHeaderTimeout)
	assert.Nil(t, transport.Proxy)

	_, err = NewHTTPClient(&HTTPClientConfig{ProxyURL: "ftp://proxy:21"})
	assert.True(t, internal.IsErrorType(err, internal.ErrValidationFailed))
}

// trickleHandler sends size bytes in chunks of step, pausing every between
func trickleHandler(size, step int, every time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		chunk := make([]byte, step)
		for sent := 0; sent < size; sent += step {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(every):
			}
		}
	}
}

func TestExecute_SlowSteadyBodyOutlivesCallTimeout(t *testing.T) {
	server := httptest.NewServer(trickleHandler(600, 10, 20*time.Millisecond))
	defer server.Close()

	client, err := NewHTTPClient(&HTTPClientConfig{Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	e := NewExecutor(client, ExecutorConfig{ReadTimeout: 300 * time.Millisecond}, WithLogger(internal.NopLogger()))

	resp, err := e.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(1))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, data, 600)
}

func TestExecute_StalledBodyIsCancelled(t *testing.T) {
	server := httptest.NewServer(trickleHandler(600, 10, 5*time.Second))
	defer server.Close()

	client, err := NewHTTPClient(&HTTPClientConfig{Timeout: time.Second})
	require.NoError(t, err)
	e := NewExecutor(client, ExecutorConfig{ReadTimeout: 100 * time.Millisecond}, WithLogger(internal.NopLogger()))

	resp, err := e.Execute(context.Background(), internal.NewRequest(http.MethodGet, server.URL, nil), policy(1))
	require.NoError(t, err)
	defer resp.Body.Close()

	start := time.Now()
	data, err := io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "no data received")
	assert.Len(t, data, 10)
	assert.Less(t, time.Since(start), 2*time.Second)
}
