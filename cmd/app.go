package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"mangafetch/downloader"
	"mangafetch/internal"
	"mangafetch/session"
	"mangafetch/utils"
)

const shutdownTimeout = 10 * time.Second

// app wires the components of one process around a single session manager
type app struct {
	config    *internal.Config
	policy    internal.RetryPolicy
	client    *http.Client
	executor  *utils.Executor
	persister *session.BoltPersister
	manager   *session.Manager
	reports   *downloader.ReportSink
}

func newApp(cfg *internal.Config) (*app, error) {
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	client, err := utils.NewHTTPClient(&utils.HTTPClientConfig{
		Timeout:  cfg.Network.Timeout,
		ProxyURL: cfg.Network.Proxy,
	})
	if err != nil {
		return nil, err
	}

	executor := utils.NewExecutor(client, utils.ExecutorConfig{
		RateLimitHeader:       cfg.Network.RateLimitHeader,
		DefaultRateLimitDelay: cfg.Network.DefaultRateLimitDelay,
		NoRetryHosts:          cfg.Network.NoRetryHosts,
		ReadTimeout:           cfg.Network.Timeout,
	})

	a := &app{
		config:   cfg,
		policy:   policy,
		client:   client,
		executor: executor,
	}

	var persister internal.TokenPersister
	if cfg.Session.Cache {
		a.persister, err = session.OpenBoltPersister(cfg.Session.CachePath)
		if err != nil {
			return nil, err
		}
		persister = a.persister
	}

	auth, err := a.authenticator()
	if err != nil {
		a.closePersister()
		return nil, err
	}

	a.manager = session.NewManager(auth, executor, session.NewTokenStore(persister), session.ManagerConfig{
		APIBaseURL:       cfg.API.BaseURL,
		RenewalThreshold: cfg.Session.RenewalThreshold,
		RetryPolicy:      policy,
		KeepSession:      cfg.Session.Cache,
	})
	return a, nil
}

// authenticator selects the login flow named by auth.method
func (a *app) authenticator() (internal.Authenticator, error) {
	cfg := a.config
	switch cfg.Auth.Method {
	case "password":
		return session.NewPasswordAuthenticator(cfg.API.BaseURL, a.executor, a.policy), nil
	case "redirect":
		return session.NewRedirectAuthenticator(session.RedirectConfig{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Issuer:       cfg.Auth.Issuer,
			AuthURL:      cfg.Auth.AuthURL,
			TokenURL:     cfg.Auth.TokenURL,
			LogoutURL:    cfg.Auth.LogoutURL,
			RedirectAddr: cfg.Auth.RedirectAddr,
			Scopes:       cfg.Auth.Scopes,
			CheckURL:     utils.JoinURL(cfg.API.BaseURL, "/auth/check"),
		}, a.client, a.executor, a.policy), nil
	default:
		return nil, internal.NewValidationErrorWithValue("auth.method", "must be password or redirect", cfg.Auth.Method)
	}
}

// restore resumes a cached login; having none is not an error
func (a *app) restore(ctx context.Context) {
	if a.persister == nil {
		return
	}
	if err := a.manager.Restore(ctx); err != nil {
		if internal.IsErrorType(err, internal.ErrNotLoggedIn) {
			internal.LogDebug("No cached session: %v", err)
			return
		}
		internal.LogWarn("Could not restore cached session: %v", err)
	}
}

// newDownloader builds a downloader whose requests pass through the session
func (a *app) newDownloader(rateLimit string) (*downloader.ResumableDownloader, error) {
	cfg := a.config

	var opts []downloader.Option
	if rateLimit != "" {
		bps, err := utils.ParseRateLimit(rateLimit)
		if err != nil {
			return nil, internal.NewValidationErrorWithValue("download.rate_limit", err.Error(), rateLimit).
				WithSuggestion("Use formats like 1M (1 MB/s), 500K (500 KB/s), 2G (2 GB/s), or 1024 (1024 bytes/s)")
		}
		opts = append(opts, downloader.WithRateLimiter(utils.NewBandwidthLimiter(bps)))
	}

	var reports internal.ReportSubmitter
	if cfg.Report.Enabled && cfg.Report.Endpoint != "" {
		// reports carry no credentials, so they bypass the session
		a.reports = downloader.NewReportSink(a.executor, cfg.Report.Endpoint, a.policy, cfg.Report.QueueSize)
		reports = a.reports
	}

	return downloader.NewResumableDownloader(a.manager, reports, downloader.Config{
		ChunkSize:    cfg.Download.ChunkSize,
		MaxAttempts:  cfg.Download.MaxAttempts,
		RetryPolicy:  a.policy,
		TrackedHosts: cfg.Report.TrackedHosts,
		Progress:     cfg.Download.Progress && !cfg.Log.Quiet,
	}, opts...), nil
}

// close drains reports and ends the session. It runs on a fresh context so
// an interrupted command still logs out.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.reports != nil {
		if err := a.reports.Close(ctx); err != nil {
			internal.LogDebug("Report queue not fully drained: %v", err)
		}
	}
	a.manager.Shutdown(ctx)
	a.closePersister()
}

func (a *app) closePersister() {
	if a.persister == nil {
		return
	}
	if err := a.persister.Close(); err != nil {
		internal.LogWarn("Failed to close login cache: %v", err)
	}
}

func describeExpiry(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s (in %s)", t.Local().Format(time.RFC1123), time.Until(t).Round(time.Second))
}
