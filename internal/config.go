package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MANGAFETCH"

// Config holds application configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Network  NetworkConfig  `mapstructure:"network"`
	Session  SessionConfig  `mapstructure:"session"`
	Download DownloadConfig `mapstructure:"download"`
	Report   ReportConfig   `mapstructure:"report"`
	Log      LogConfig      `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// AuthConfig selects and configures the authenticator. The redirect method
// reads its endpoints from Issuer discovery when set, otherwise from the
// explicit URLs.
type AuthConfig struct {
	Method       string   `mapstructure:"method"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Issuer       string   `mapstructure:"issuer"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	LogoutURL    string   `mapstructure:"logout_url"`
	RedirectAddr string   `mapstructure:"redirect_addr"`
	Scopes       []string `mapstructure:"scopes"`
}

type NetworkConfig struct {
	// MaxRetries is a positive integer or "unlimited"
	MaxRetries            string        `mapstructure:"max_retries"`
	BaseDelay             time.Duration `mapstructure:"base_delay"`
	MaxDelay              time.Duration `mapstructure:"max_delay"`
	Timeout               time.Duration `mapstructure:"timeout"`
	Proxy                 string        `mapstructure:"proxy"`
	RateLimitHeader       string        `mapstructure:"rate_limit_header"`
	DefaultRateLimitDelay time.Duration `mapstructure:"default_rate_limit_delay"`
	NoRetryHosts          []string      `mapstructure:"no_retry_hosts"`
}

type SessionConfig struct {
	RenewalThreshold time.Duration `mapstructure:"renewal_threshold"`
	Cache            bool          `mapstructure:"cache"`
	CachePath        string        `mapstructure:"cache_path"`
}

type DownloadConfig struct {
	ChunkSize   int    `mapstructure:"chunk_size"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	RateLimit   string `mapstructure:"rate_limit"`
	Progress    bool   `mapstructure:"progress"`
}

type ReportConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Endpoint     string   `mapstructure:"endpoint"`
	TrackedHosts []string `mapstructure:"tracked_hosts"`
	QueueSize    int      `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"` // empty means stderr
	Format string `mapstructure:"format"`
	Debug  bool   `mapstructure:"debug"`
	Quiet  bool   `mapstructure:"quiet"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://api.mangadex.org",
		},
		Auth: AuthConfig{
			Method:       "password",
			ClientID:     "mangafetch",
			RedirectAddr: "127.0.0.1:0",
			Scopes:       []string{"openid", "offline_access"},
		},
		Network: NetworkConfig{
			MaxRetries:            "5",
			BaseDelay:             500 * time.Millisecond,
			MaxDelay:              2500 * time.Millisecond,
			Timeout:               15 * time.Second,
			RateLimitHeader:       "X-RateLimit-Retry-After",
			DefaultRateLimitDelay: 120 * time.Second,
			NoRetryHosts:          []string{"mangadex.network"},
		},
		Session: SessionConfig{
			RenewalThreshold: 30 * time.Second,
			Cache:            false,
			CachePath:        filepath.Join(defaultConfigDir(), "session.db"),
		},
		Download: DownloadConfig{
			ChunkSize:   32 * 1024,
			MaxAttempts: 5,
			Progress:    true,
		},
		Report: ReportConfig{
			Enabled:      true,
			Endpoint:     "https://api.mangadex.network/report",
			TrackedHosts: []string{"mangadex.network"},
			QueueSize:    64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mangafetch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "mangafetch")
}

// DefaultConfigPath is where LoadConfig looks when no path is given
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("api.base_url", d.API.BaseURL)

	v.SetDefault("auth.method", d.Auth.Method)
	v.SetDefault("auth.client_id", d.Auth.ClientID)
	v.SetDefault("auth.client_secret", d.Auth.ClientSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.auth_url", d.Auth.AuthURL)
	v.SetDefault("auth.token_url", d.Auth.TokenURL)
	v.SetDefault("auth.logout_url", d.Auth.LogoutURL)
	v.SetDefault("auth.redirect_addr", d.Auth.RedirectAddr)
	v.SetDefault("auth.scopes", d.Auth.Scopes)

	v.SetDefault("network.max_retries", d.Network.MaxRetries)
	v.SetDefault("network.base_delay", d.Network.BaseDelay)
	v.SetDefault("network.max_delay", d.Network.MaxDelay)
	v.SetDefault("network.timeout", d.Network.Timeout)
	v.SetDefault("network.proxy", d.Network.Proxy)
	v.SetDefault("network.rate_limit_header", d.Network.RateLimitHeader)
	v.SetDefault("network.default_rate_limit_delay", d.Network.DefaultRateLimitDelay)
	v.SetDefault("network.no_retry_hosts", d.Network.NoRetryHosts)

	v.SetDefault("session.renewal_threshold", d.Session.RenewalThreshold)
	v.SetDefault("session.cache", d.Session.Cache)
	v.SetDefault("session.cache_path", d.Session.CachePath)

	v.SetDefault("download.chunk_size", d.Download.ChunkSize)
	v.SetDefault("download.max_attempts", d.Download.MaxAttempts)
	v.SetDefault("download.rate_limit", d.Download.RateLimit)
	v.SetDefault("download.progress", d.Download.Progress)

	v.SetDefault("report.enabled", d.Report.Enabled)
	v.SetDefault("report.endpoint", d.Report.Endpoint)
	v.SetDefault("report.tracked_hosts", d.Report.TrackedHosts)
	v.SetDefault("report.queue_size", d.Report.QueueSize)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.quiet", d.Log.Quiet)
}

// NewViper returns a viper instance carrying the defaults and the
// MANGAFETCH_ environment binding. Callers may bind flags onto it before
// calling LoadConfig.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads the YAML file at path into v and returns the validated
// configuration. A missing file at the default location is not an error;
// an explicitly requested file must exist.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if explicit {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
		default:
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// RetryPolicy derives the executor retry policy from the network settings
func (c *Config) RetryPolicy() (RetryPolicy, error) {
	attempts, err := parseMaxRetries(c.Network.MaxRetries)
	if err != nil {
		return RetryPolicy{}, err
	}
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   c.Network.BaseDelay,
		MaxDelay:    c.Network.MaxDelay,
	}, nil
}

func parseMaxRetries(raw string) (int, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "unlimited" {
		return UnlimitedAttempts, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, NewValidationErrorWithValue("network.max_retries", "must be a positive integer or \"unlimited\"", raw)
	}
	return n, nil
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil || c.API.BaseURL == "" {
		return NewValidationErrorWithValue("api.base_url", "must be an absolute URL", c.API.BaseURL)
	}

	switch c.Auth.Method {
	case "password":
	case "redirect":
		if c.Auth.ClientID == "" {
			return NewValidationError("auth.client_id", "required for the redirect method")
		}
		if c.Auth.Issuer == "" && (c.Auth.AuthURL == "" || c.Auth.TokenURL == "") {
			return NewValidationError("auth.issuer", "either an issuer or both auth_url and token_url are required").
				WithSuggestion("Set auth.issuer to enable endpoint discovery")
		}
	default:
		return NewValidationErrorWithValue("auth.method", "must be \"password\" or \"redirect\"", c.Auth.Method)
	}

	if _, err := parseMaxRetries(c.Network.MaxRetries); err != nil {
		return err
	}
	if c.Network.BaseDelay < 0 || c.Network.MaxDelay < c.Network.BaseDelay {
		return NewValidationError("network.max_delay", "must be at least network.base_delay").
			WithContext("base_delay", c.Network.BaseDelay).
			WithContext("max_delay", c.Network.MaxDelay)
	}
	if c.Network.Timeout <= 0 {
		return NewValidationErrorWithValue("network.timeout", "must be > 0", c.Network.Timeout)
	}
	if c.Network.DefaultRateLimitDelay < 0 {
		return NewValidationErrorWithValue("network.default_rate_limit_delay", "must be >= 0", c.Network.DefaultRateLimitDelay)
	}
	if c.Network.Proxy != "" {
		u, err := url.Parse(c.Network.Proxy)
		if err != nil || u.Host == "" {
			return NewValidationErrorWithValue("network.proxy", "invalid proxy URL", c.Network.Proxy).
				WithSuggestion("Use http://, https:// or socks5:// followed by host:port")
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return NewValidationErrorWithValue("network.proxy", "unsupported proxy scheme", u.Scheme).
				WithSuggestion("Use http://, https:// or socks5://")
		}
	}

	if c.Session.RenewalThreshold < 0 {
		return NewValidationErrorWithValue("session.renewal_threshold", "must be >= 0", c.Session.RenewalThreshold)
	}
	if c.Session.Cache && c.Session.CachePath == "" {
		return NewValidationError("session.cache_path", "required when session.cache is enabled")
	}

	if c.Download.ChunkSize < 1024 {
		return NewValidationErrorWithValue("download.chunk_size", "must be at least 1024 bytes", c.Download.ChunkSize)
	}
	if c.Download.MaxAttempts < 1 {
		return NewValidationErrorWithValue("download.max_attempts", "must be >= 1", c.Download.MaxAttempts)
	}

	if c.Report.Enabled {
		if _, err := url.ParseRequestURI(c.Report.Endpoint); err != nil {
			return NewValidationErrorWithValue("report.endpoint", "must be an absolute URL", c.Report.Endpoint)
		}
		if c.Report.QueueSize < 1 {
			return NewValidationErrorWithValue("report.queue_size", "must be >= 1", c.Report.QueueSize)
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return NewValidationErrorWithValue("log.format", "must be \"console\" or \"json\"", c.Log.Format)
	}

	return nil
}
