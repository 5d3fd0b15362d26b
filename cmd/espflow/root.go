package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/espflow/config"
	"github.com/c360/espflow/expression"
	"github.com/c360/espflow/metric"
)

// app carries what every subcommand shares: output streams, the loaded
// configuration, the logger and the metrics registry.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath  string
	logLevel    string
	logFormat   string
	url         string
	transport   string
	metricsPort int

	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Server
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut, logger: slog.Default()}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Client for an event stream processing engine",
		Long: `espflow works with the projects, continuous queries and windows of an event
stream processing engine.

It validates project definitions offline, publishes event files into source
windows, subscribes to windows with a bounded local cache, runs a local engine
stand-in for development, and stores project definitions in NATS.`,
		Version:           fmt.Sprintf("%s (build %s)", Version, BuildTime),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", getEnv("ESPFLOW_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: ESPFLOW_CONFIG)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: ESPFLOW_LOG_LEVEL)")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format: json, text (env: ESPFLOW_LOG_FORMAT)")
	flags.StringVar(&a.url, "url", "", "Engine base URL, e.g. https://esp.example.com:31415 (env: ESPFLOW_ENGINE_URL)")
	flags.StringVar(&a.transport, "transport", "", "Transport: websocket, nats, memory (env: ESPFLOW_TRANSPORT)")
	flags.IntVar(&a.metricsPort, "metrics-port", getEnvInt("ESPFLOW_METRICS_PORT", 0),
		"Serve prometheus metrics on this port, 0 to disable (env: ESPFLOW_METRICS_PORT)")

	root.AddCommand(
		newValidateCommand(a),
		newExportCommand(a),
		newPublishCommand(a),
		newSubscribeCommand(a),
		newServeCommand(a),
		newProjectCommand(a),
	)
	return root
}

// setup loads the configuration, applies flag overrides and builds the
// logger. Flags win over the environment, which wins over the file.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader()
	if a.configPath != "" {
		loader.AddLayer(a.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("url") {
		cfg.Engine.URL = a.url
	}
	if flags.Changed("transport") {
		cfg.Transport = a.transport
	}
	if a.metricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = a.metricsPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.logger = setupLogger(cfg.Log.Level, cfg.Log.Format, a.errOut)
	a.logger.Debug("Configuration loaded", "path", a.configPath, "transport", cfg.Transport)

	if cfg.Metrics.Enabled {
		a.registry = metric.NewMetricsRegistry()
		if err := expression.RegisterMetrics(a.registry); err != nil {
			return fmt.Errorf("register expression metrics: %w", err)
		}
		a.metrics = metric.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), cfg.Metrics.Path, a.registry, cfg.Security)
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.logger.Info("Metrics server started", "address", a.metrics.Address(), "path", cfg.Metrics.Path)
	}
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if a.metrics == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := a.metrics.Stop(stopCtx)
	a.metrics = nil
	return err
}
