// Package app wires the runtime together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/sleuth/internal/config"
	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/internal/tracing"
	"github.com/harun/sleuth/pkg/coretools"
	"github.com/harun/sleuth/pkg/fanout"
	"github.com/harun/sleuth/pkg/llm"
	"github.com/harun/sleuth/pkg/objectstore"
	"github.com/harun/sleuth/pkg/orchestration"
	"github.com/harun/sleuth/pkg/retry"
	"github.com/harun/sleuth/pkg/taskhub"
	"github.com/harun/sleuth/pkg/toolregistry"
	"github.com/harun/sleuth/pkg/workflow"
)

// App owns every long-lived component built from a Config.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	Provider llm.Provider
	Store    *objectstore.Store
	Registry *toolregistry.Registry
	Hub      *taskhub.Hub
	Engine   *workflow.Engine
	Service  *orchestration.Service
	Fanout   *fanout.Executor

	audit          *observability.AuditLogger
	metricsServer  *http.Server
	metricsAddr    string
	tracingEnabled bool
	closeOnce      sync.Once
	closeErr       error
}

type options struct {
	provider llm.Provider
	audit    *observability.AuditLogger
}

// Option customizes New.
type Option func(*options)

// WithProvider skips building providers from the AI profiles.
func WithProvider(p llm.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithAuditLogger replaces the audit log under DataDir.
func WithAuditLogger(a *observability.AuditLogger) Option {
	return func(o *options) {
		o.audit = a
	}
}

// New builds the runtime. It does not start the metrics endpoint; call
// StartMetrics for that.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	observability.EnsureRegistered()

	a := &App{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			a.tracingEnabled = true
			logger.Debug().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
		}
	}

	provider := o.provider
	if provider == nil {
		failover, err := llm.NewFromProfiles(cfg.LLMProfiles(), logger)
		if err != nil {
			a.shutdownTracing()
			return nil, fmt.Errorf("failed to build llm providers: %w", err)
		}
		provider = failover
	}
	a.Provider = provider

	a.audit = o.audit
	if a.audit == nil {
		a.audit = openAudit(cfg.DataDir, logger)
	}

	a.Store = objectstore.New(cfg.Store, objectstore.WithLogger(logger))
	a.Hub = taskhub.New(cfg.Hub, taskhub.WithLogger(logger))

	registry, err := NewToolRegistry(cfg, a.Store, logger)
	if err != nil {
		a.cleanup()
		return nil, err
	}
	a.Registry = registry

	engine, err := workflow.New(cfg.Workflow, workflow.Deps{
		LLM:        provider,
		Tools:      registry,
		Store:      a.Store,
		Summarizer: llm.NewSummarizer(provider, cfg.Workflow.SummaryMaxChars, llm.GenerateOptions{Temperature: llm.Float(0)}),
		Retry:      retry.New(cfg.Retry, retry.WithLogger(logger)),
		Failures:   a.audit,
		Logger:     logger,
	}, a.Hub)
	if err != nil {
		a.cleanup()
		return nil, fmt.Errorf("failed to build workflow engine: %w", err)
	}
	a.Engine = engine

	a.Service = orchestration.New(engine, a.Hub,
		orchestration.Config{ResumePool: cfg.ResumePool},
		orchestration.WithAudit(a.audit),
		orchestration.WithLogger(logger),
	)
	a.Fanout = fanout.New(a.Service, cfg.Fanout, logger)

	logger.Info().
		Str("provider", provider.Name()).
		Int("tools", len(registry.List())).
		Int("max_steps", engine.Config().MaxSteps).
		Msg("Runtime initialized")
	return a, nil
}

// NewToolRegistry builds the registry with the core tools. store may be nil,
// in which case stash_read is not registered.
func NewToolRegistry(cfg *config.Config, store coretools.PayloadReader, logger zerolog.Logger) (*toolregistry.Registry, error) {
	registry := toolregistry.New(toolregistry.Config{
		DefaultTimeout: cfg.Tools.Timeout,
		MaxOutputChars: cfg.Tools.MaxOutputChars,
	}, logger)

	opts := coretools.Options{Store: store, HTTPTimeout: cfg.Tools.HTTPTimeout}
	if err := coretools.RegisterCoreTools(registry, opts); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}
	return registry, nil
}

func openAudit(dataDir string, logger zerolog.Logger) *observability.AuditLogger {
	if dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Warn().Err(err).Msg("Failed to create data directory, audit log disabled")
		return nil
	}
	path := filepath.Join(dataDir, "audit.log")
	audit, err := observability.OpenAuditLog(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to open audit log, audit disabled")
		return nil
	}
	return audit
}

// StartMetrics serves /metrics when metrics are enabled and returns the
// bound address, or "" when disabled.
func (a *App) StartMetrics() (string, error) {
	if !a.cfg.Metrics.Enabled {
		return "", nil
	}
	if a.metricsServer != nil {
		return a.metricsAddr, nil
	}

	ln, err := net.Listen("tcp", a.cfg.Metrics.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", a.cfg.Metrics.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	a.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.metricsAddr = ln.Addr().String()

	go func() {
		if err := a.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	a.logger.Info().Str("addr", a.metricsAddr).Msg("Metrics endpoint listening")
	return a.metricsAddr, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Close stops components in reverse start order. Later calls return the
// first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.Service != nil {
			if err := a.Service.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("orchestration shutdown: %w", err))
			}
		}
		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		errs = append(errs, a.cleanupErr(ctx)...)
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) cleanup() {
	_ = a.cleanupErr(context.Background())
}

func (a *App) cleanupErr(ctx context.Context) []error {
	var errs []error
	if err := a.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit close: %w", err))
	}
	a.audit = nil
	if err := a.shutdownTracingCtx(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	return errs
}

func (a *App) shutdownTracing() {
	_ = a.shutdownTracingCtx(context.Background())
}

func (a *App) shutdownTracingCtx(ctx context.Context) error {
	if !a.tracingEnabled {
		return nil
	}
	a.tracingEnabled = false
	return tracing.ShutdownOpenTelemetry(ctx)
}
