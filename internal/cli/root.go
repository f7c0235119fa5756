package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/sleuth/internal/app"
	"github.com/harun/sleuth/internal/config"
	"github.com/harun/sleuth/internal/logger"
)

const (
	version         = "0.1.0"
	shutdownTimeout = 10 * time.Second
)

var (
	cfgFile  string
	logLevel string

	// appOptions are passed to app.New; tests use it to inject providers.
	appOptions []app.Option
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sleuth",
	Short: "Sleuth - agent orchestration for research queries",
	Long: `Sleuth answers questions by routing them through a planner, tool
execution and reflection loop, pausing for human input when needed and
fanning independent sub-queries out in parallel.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sleuth/sleuth.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, loader, nil
}

// session is the runtime a command works with.
type session struct {
	app *app.App
	log *logger.Logger
}

func (s *session) logger() zerolog.Logger {
	return s.log.Zerolog()
}

func openSession() (*session, error) {
	cfg, loader, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w (run 'sleuth configure')", err)
	}

	log, err := logger.Init(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := log.Zerolog()

	err = loader.Watch(func(updated *config.Config, err error) {
		if err != nil {
			zl.Warn().Err(err).Msg("Ignoring config change")
			return
		}
		if logLevel != "" {
			return
		}
		if err := log.SetLevel(updated.Logging.Level); err != nil {
			zl.Warn().Err(err).Msg("Ignoring log level change")
			return
		}
		zl.Info().Str("level", updated.Logging.Level).Msg("Log level reloaded")
	})
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		zl.Warn().Err(err).Msg("Config watch disabled")
	}

	a, err := app.New(cfg, zl, appOptions...)
	if err != nil {
		log.Close()
		return nil, err
	}
	if _, err := a.StartMetrics(); err != nil {
		a.Close(context.Background())
		log.Close()
		return nil, err
	}
	return &session{app: a, log: log}, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.app.Close(ctx)
	return errors.Join(err, s.log.Close())
}
