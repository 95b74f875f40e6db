package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wolfpack-game/wolfpack/internal/history"
)

type Config struct {
	api            string
	web            string
	user           string
	password       string
	token          string
	refreshToken   string
	rankingSeconds int
	retryDelay     time.Duration
	historyDriver  string
	historyDSN     string
	verbose        bool
	logFormat      string
}

func (c *Config) validate() error {
	u, err := url.Parse(c.api)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid --api (want http(s)://host[:port]): %q", c.api)
	}
	if c.rankingSeconds < 1 {
		return fmt.Errorf("invalid --ranking-seconds (must be positive): %d", c.rankingSeconds)
	}
	if c.retryDelay < 0 {
		return fmt.Errorf("invalid --retry-delay: %s", c.retryDelay)
	}
	switch c.historyDriver {
	case history.DriverSQLite, history.DriverPostgres:
	default:
		return fmt.Errorf("invalid --history-driver (sqlite or postgres): %q", c.historyDriver)
	}
	switch c.logFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid --log-format (console or json): %q", c.logFormat)
	}
	return nil
}

// needUser is for commands that talk to the API as someone.
func (c *Config) needUser() error {
	if c.user == "" {
		return errors.New("--user is required (env: WOLFPACK_USER)")
	}
	if c.token == "" && c.password == "" {
		return errors.New("either --token or --password is required (env: WOLFPACK_TOKEN, WOLFPACK_PASSWORD)")
	}
	return nil
}

func (c *Config) logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.verbose {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Encoding = c.logFormat
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// Logs go to stderr so they never mix with the game screen.
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("WOLFPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "wolfpack",
		Short: "Terminal client for Wolf Pack game rooms.",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.validate()
		},
		Version: releaseVersion,
	}

	fs := cmd.PersistentFlags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.api, "api", "http://localhost:8000", "backend base url (env: WOLFPACK_API)")
	fs.StringVar(&cfg.web, "web", "http://localhost:3000", "frontend base url used for share links (env: WOLFPACK_WEB)")
	fs.StringVarP(&cfg.user, "user", "u", "", "username to play as (env: WOLFPACK_USER)")
	fs.StringVar(&cfg.password, "password", "", "password, used when no token is given (env: WOLFPACK_PASSWORD)")
	fs.StringVar(&cfg.token, "token", "", "access token (env: WOLFPACK_TOKEN)")
	fs.StringVar(&cfg.refreshToken, "refresh-token", "", "refresh token, sent on logout (env: WOLFPACK_REFRESH_TOKEN)")
	fs.IntVar(&cfg.rankingSeconds, "ranking-seconds", 120, "countdown for each ranking phase (env: WOLFPACK_RANKING_SECONDS)")
	fs.DurationVar(&cfg.retryDelay, "retry-delay", time.Second, "delay before a failed send is retried (env: WOLFPACK_RETRY_DELAY)")
	fs.StringVar(&cfg.historyDriver, "history-driver", history.DriverSQLite, "history database driver, sqlite or postgres (env: WOLFPACK_HISTORY_DRIVER)")
	fs.StringVar(&cfg.historyDSN, "history-dsn", "", "history database dsn, empty disables history (env: WOLFPACK_HISTORY_DSN)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display debug logs (env: WOLFPACK_VERBOSE)")
	fs.StringVar(&cfg.logFormat, "log-format", "console", "log encoding, console or json (env: WOLFPACK_LOG_FORMAT)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.AddCommand(
		loginCmd(cfg),
		createCmd(cfg),
		joinCmd(cfg),
		playCmd(cfg),
		shareCmd(cfg),
		historyCmd(cfg),
	)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("wolfpack v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
