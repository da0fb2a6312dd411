package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mangafetch/internal"
)

var (
	configPath string
	v          = internal.NewViper()
	config     *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "mangafetch",
	Short:   "Download manga pages with a resilient, resumable session",
	Version: "v1.0.0",
	Long: `mangafetch talks to a MangaDex-compatible API with automatic session
renewal, rate-limit aware retries and resumable downloads.

Examples:
  mangafetch login -u reader
  mangafetch fetch -o ./chapter https://uploads.mangadex.org/data/<hash>/1.png
  mangafetch status
  mangafetch logout

Environment Variables:
  Every configuration key can be set as MANGAFETCH_<SECTION>_<KEY>, for
  example MANGAFETCH_NETWORK_MAX_RETRIES=unlimited or
  MANGAFETCH_SESSION_CACHE=true.
  MANGAFETCH_PASSWORD    Password used by login instead of prompting`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfiguration(); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		internal.LogDebug("Configuration loaded: api=%s, auth=%s, max_retries=%s, timeout=%s, cache=%v",
			config.API.BaseURL, config.Auth.Method, config.Network.MaxRetries, config.Network.Timeout, config.Session.Cache)
		return nil
	},
}

// loadConfiguration merges defaults, the config file, environment and flags
func loadConfiguration() error {
	cfg, err := internal.LoadConfig(v, configPath)
	if err != nil {
		return err
	}
	if cfg.Log.Debug {
		cfg.Log.Level = "debug"
	}
	config = cfg
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", fmt.Sprintf("Config file (default %s)", internal.DefaultConfigPath()))
	flags.BoolP("debug", "d", false, "Enable debug logging with file and line information (env: MANGAFETCH_LOG_DEBUG)")
	flags.String("log-level", "", "Set log level (debug, info, warn, error) (env: MANGAFETCH_LOG_LEVEL)")
	flags.String("log-file", "", "Write logs to file instead of stderr (env: MANGAFETCH_LOG_FILE)")
	flags.String("log-format", "", "Log format, console or json (env: MANGAFETCH_LOG_FORMAT)")
	flags.BoolP("quiet", "q", false, "Only log errors and hide progress bars (env: MANGAFETCH_LOG_QUIET)")
	flags.String("proxy", "", "HTTP/SOCKS proxy URL (env: MANGAFETCH_NETWORK_PROXY)")
	flags.String("max-retries", "", `Attempts per request, or "unlimited" (env: MANGAFETCH_NETWORK_MAX_RETRIES)`)

	bindFlag("log.debug", flags.Lookup("debug"))
	bindFlag("log.level", flags.Lookup("log-level"))
	bindFlag("log.file", flags.Lookup("log-file"))
	bindFlag("log.format", flags.Lookup("log-format"))
	bindFlag("log.quiet", flags.Lookup("quiet"))
	bindFlag("network.proxy", flags.Lookup("proxy"))
	bindFlag("network.max_retries", flags.Lookup("max-retries"))

	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd, fetchCmd)
}

// bindFlag lets an explicitly set flag override file and environment values
func bindFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag for %s: %v", key, err))
	}
}

func Execute() error {
	defer internal.CloseLogger()
	return rootCmd.Execute()
}
