package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/feedctl/internal/config"
	"github.com/danmuck/feedctl/internal/logging"
	"github.com/danmuck/feedctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "feedctl.toml"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "feedctl",
		Short:         "feedctl: realtime feed consumer with a rate-limited remote queue",
		Long:          "feedctl connects to a websocket or tcp event feed, keeps the top tasks and a FIFO queue of amounts, drains the queue through a remote call, and serves the live state over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./feedctl.toml when present)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (trace|debug|info|warn|error|off)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newSourceCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig resolves the config file. An explicit --config must exist;
// the implicit default path falls back to built-in defaults when absent.
func (o *rootOptions) loadConfig() (config.Config, string, error) {
	path := strings.TrimSpace(o.configPath)
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
		path = defaultConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, path, err
	}
	return cfg, path, nil
}

// setupLogging configures the process logger for app and applies the
// configured level. FEEDCTL_LOG_LEVEL in the environment wins over the file.
func (o *rootOptions) setupLogging(app string, cfg config.Config) error {
	logging.ConfigureRuntime()
	observability.InitLogger(app)

	raw := cfg.Log.Level
	if o.logLevel != "" {
		raw = o.logLevel
	}
	if _, fromEnv := logging.ParseLevel(os.Getenv(logging.EnvLogLevel)); fromEnv {
		return nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok && strings.TrimSpace(raw) != "" {
		return fmt.Errorf("unknown log level %q", raw)
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Str("level", level.String()).Msg("feedctl.setupLogging applied")
	return nil
}
