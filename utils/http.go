package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"mangafetch/internal"
)

const (
	defaultUserAgent      = "mangafetch/1.0"
	defaultBaseDelay      = 500 * time.Millisecond
	defaultMaxDelay       = 2500 * time.Millisecond
	defaultRateLimitDelay = 120 * time.Second
	defaultCallTimeout    = 15 * time.Second

	// cap on how much of a failed response body is kept for diagnostics
	maxErrorBody = 64 * 1024
)

// HTTPClientConfig contains configuration for the HTTP client
type HTTPClientConfig struct {
	// Timeout bounds connecting and waiting for response headers. It does
	// not bound reading the body; see ExecutorConfig.ReadTimeout.
	Timeout  time.Duration
	ProxyURL string
}

// NewHTTPClient creates an HTTP client with per-call connect and header
// timeouts and an optional http, https or socks5 proxy. The client has no
// overall deadline, so long transfers are not cut off.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if config.ProxyURL != "" {
		if err := configureProxy(transport, dialer, config.ProxyURL); err != nil {
			return nil, internal.NewValidationErrorWithValue("network.proxy", err.Error(), config.ProxyURL)
		}
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}, nil
}

// configureProxy sets up proxy configuration for the transport
func configureProxy(transport *http.Transport, dialer *net.Dialer, proxyURL string) error {
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, dialer)
		if err != nil {
			return fmt.Errorf("failed to create SOCKS5 proxy: %w", err)
		}
		transport.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsedURL.Scheme)
	}

	return nil
}

// ExecutorConfig holds the rate-limit and retry knobs that encode knowledge
// about a particular remote deployment.
type ExecutorConfig struct {
	// RateLimitHeader carries an absolute unix timestamp after which the
	// client may retry. It takes precedence over Retry-After.
	RateLimitHeader string
	// DefaultRateLimitDelay applies to a 429 without any retry header
	DefaultRateLimitDelay time.Duration
	// NoRetryHosts are host suffixes whose 5xx responses are returned
	// as-is on the first attempt.
	NoRetryHosts []string
	UserAgent    string
	// ReadTimeout cancels a call whose body delivers no bytes for this
	// long. Zero disables it.
	ReadTimeout time.Duration
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// ExecutorOption customizes an Executor
type ExecutorOption func(*Executor)

// WithSleeper replaces the backoff sleep, mainly for tests
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithClock replaces the time source used to resolve absolute retry timestamps
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the logger; the process-wide logger is used otherwise
func WithLogger(l *internal.SecureLogger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// Executor sends requests with rate-limit handling and bounded retries.
// Transient conditions (429, 5xx, connection errors) are absorbed until the
// retry policy is exhausted; every other status is returned to the caller.
type Executor struct {
	client *http.Client
	config ExecutorConfig
	logger *internal.SecureLogger
	sleep  Sleeper
	now    func() time.Time
}

// NewExecutor wraps client. A nil client gets http.DefaultClient.
func NewExecutor(client *http.Client, config ExecutorConfig, opts ...ExecutorOption) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if config.RateLimitHeader == "" {
		config.RateLimitHeader = "X-RateLimit-Retry-After"
	}
	if config.DefaultRateLimitDelay <= 0 {
		config.DefaultRateLimitDelay = defaultRateLimitDelay
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}

	e := &Executor{
		client: client,
		config: config,
		sleep:  sleepContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = internal.GetLogger()
	}
	return e
}

// Client exposes the underlying HTTP client, e.g. for oauth2 exchanges that
// must go through the same proxy.
func (e *Executor) Client() *http.Client {
	return e.client
}

type attemptOutcome int

const (
	outcomeTransport attemptOutcome = iota
	outcomeRateLimited
	outcomeServerError
)

// Execute sends req under policy. A nil error means a response was
// received whose status is not 429 and, unless the host is exempt from
// retries, below 500. Exhaustion yields a RemoteServerError carrying the
// last response, an UnhandledTransportError, or a RateLimited error.
func (e *Executor) Execute(ctx context.Context, req *internal.Request, policy internal.RetryPolicy) (*http.Response, error) {
	var (
		lastErr     error
		lastOutcome attemptOutcome
		retryAfter  time.Duration
	)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.send(ctx, req)

		var delay time.Duration
		switch {
		case err != nil:
			var ve *internal.ValidationError
			if errors.As(err, &ve) {
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr, lastOutcome = err, outcomeTransport
			e.logger.Debug("Attempt %d for %s failed: %v", attempt, req.URL, err)
			delay = backoff(policy, attempt)

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter = e.retryAfter(resp)
			drainAndClose(resp)
			lastErr, lastOutcome = nil, outcomeRateLimited
			e.logger.Warn("Rate limited on %s, waiting %s before retrying", req.URL, retryAfter.Round(time.Millisecond))
			delay = retryAfter

		case resp.StatusCode >= http.StatusInternalServerError:
			if e.isNoRetryHost(req.URL) {
				e.logger.Debug("Server error %d from %s, not retrying", resp.StatusCode, req.URL)
				return resp, nil
			}
			if exhausted(policy, attempt) {
				bufferBody(resp)
				return nil, internal.NewFetchError(resp.StatusCode, "retries exhausted against server error", internal.ErrRemoteServer).
					WithURL(req.URL).
					WithAttempts(attempt).
					WithResponse(resp)
			}
			drainAndClose(resp)
			lastErr, lastOutcome = nil, outcomeServerError
			e.logger.Debug("Server error %d from %s on attempt %d", resp.StatusCode, req.URL, attempt)
			delay = backoff(policy, attempt)

		default:
			return resp, nil
		}

		if exhausted(policy, attempt) {
			return nil, e.exhaustionError(req, attempt, lastOutcome, lastErr, retryAfter)
		}

		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) exhaustionError(req *internal.Request, attempts int, outcome attemptOutcome, lastErr error, retryAfter time.Duration) error {
	switch outcome {
	case outcomeRateLimited:
		return internal.NewFetchError(http.StatusTooManyRequests, "still rate limited after all attempts", internal.ErrRateLimit).
			WithURL(req.URL).
			WithAttempts(attempts).
			WithRetryAfter(int(retryAfter.Seconds()))
	default:
		return internal.NewFetchError(0, "all attempts failed to reach the server", internal.ErrUnhandledTransport).
			WithURL(req.URL).
			WithAttempts(attempts).
			WithCause(lastErr)
	}
}

func (e *Executor) send(ctx context.Context, req *internal.Request) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	callCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(callCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, internal.NewValidationErrorWithValue("url", fmt.Sprintf("cannot build request: %v", err), req.URL)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.config.UserAgent)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	e.logger.LogHTTPRequest(httpReq)
	resp, err := e.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	e.logger.LogHTTPResponse(resp)
	resp.Body = newIdleBody(resp.Body, e.config.ReadTimeout, cancel)
	return resp, nil
}

// idleBody cancels its call when a single Read blocks longer than idle.
// Time spent between reads, such as bandwidth throttling, is not counted.
// Close releases the call.
type idleBody struct {
	body     io.ReadCloser
	idle     time.Duration
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut atomic.Bool
}

func newIdleBody(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{body: body, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, func() {
			b.timedOut.Store(true)
			cancel()
		})
		b.timer.Stop()
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	if b.timer == nil {
		return b.body.Read(p)
	}
	b.timer.Reset(b.idle)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if err != nil && !errors.Is(err, io.EOF) && b.timedOut.Load() {
		return n, fmt.Errorf("no data received for %s: %w", b.idle, context.DeadlineExceeded)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.body.Close()
	b.cancel()
	return err
}

// retryAfter resolves the delay advertised by a 429 response
func (e *Executor) retryAfter(resp *http.Response) time.Duration {
	if raw := strings.TrimSpace(resp.Header.Get(e.config.RateLimitHeader)); raw != "" {
		at, ok := parseUnixTimestamp(raw)
		if ok {
			if d := at.Sub(e.now()); d > 0 {
				return d
			}
			return 0
		}
	}

	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if at, err := http.ParseTime(raw); err == nil {
			if d := at.Sub(e.now()); d > 0 {
				return d
			}
			return 0
		}
	}

	return e.config.DefaultRateLimitDelay
}

func parseUnixTimestamp(raw string) (time.Time, bool) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))), true
	}
	return time.Time{}, false
}

func (e *Executor) isNoRetryHost(rawURL string) bool {
	return HostMatches(rawURL, e.config.NoRetryHosts)
}

func exhausted(policy internal.RetryPolicy, attempt int) bool {
	return !policy.Unlimited() && attempt >= policy.MaxAttempts
}

// backoff grows linearly with the attempt number up to the policy maximum
func backoff(policy internal.RetryPolicy, attempt int) time.Duration {
	base, ceiling := policy.BaseDelay, policy.MaxDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	if ceiling <= 0 {
		ceiling = defaultMaxDelay
	}
	delay := time.Duration(attempt) * base
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// bufferBody replaces the body with an in-memory copy so the response
// stays readable after the connection is released.
func bufferBody(resp *http.Response) {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
}

// NewJSONRequest builds a request whose body is payload encoded as JSON
func NewJSONRequest(method, rawURL string, payload interface{}) (*internal.Request, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}
	req := internal.NewRequest(method, rawURL, body)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// DecodeJSON decodes the response body into v and closes it
func DecodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", requestURL(resp), err)
	}
	return nil
}

func requestURL(resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		u := *resp.Request.URL
		u.RawQuery = ""
		return u.String()
	}
	return "server"
}
