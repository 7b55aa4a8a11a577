// Package main runs the filtered stream connector: it keeps the remote rule
// set in line with the configured keywords, streams matching tweets and
// publishes them in batches to Kafka, NATS JetStream or a file.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/filterstream/component"
	"github.com/c360/filterstream/config"
	"github.com/c360/filterstream/connector"
	"github.com/c360/filterstream/health"
	"github.com/c360/filterstream/metric"
	"github.com/c360/filterstream/natsclient"
	"github.com/c360/filterstream/output"
	"github.com/c360/filterstream/output/file"
	"github.com/c360/filterstream/output/jetstream"
	"github.com/c360/filterstream/output/kafka"
)

const appName = "filterstream"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, component.Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	logger.Info("Starting filterstream",
		"config_path", cliCfg.ConfigPath,
		"output", cfg.Output.Type,
		"topic", cfg.Output.Topic)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runConnector(ctx, cfg, logger)
}

// loadConfig applies defaults, the optional file and the environment
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runConnector wires the publisher, the source task and the metrics server
// and runs them until ctx ends or one of them fails.
func runConnector(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	publisher, err := newPublisher(ctx, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("create %s output: %w", cfg.Output.Type, err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close output", "error", err)
		}
	}()

	task := connector.NewTask(connector.WithLogger(logger), connector.WithMetrics(metrics))
	runner := connector.NewRunner(task, publisher,
		connector.WithLogger(logger),
		connector.WithMetrics(metrics),
	)

	monitor := health.NewMonitor(appName)
	monitor.RegisterComponent(task)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Port > 0 {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor)
		g.Go(func() error {
			logger.Info("Metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			return server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop(shutdownTimeout(cfg))
		})
	}

	g.Go(func() error {
		return runner.Run(gctx, cfg)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("filterstream shutdown complete")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.ShutdownTimeout(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// newPublisher builds the publisher selected by output.type
func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *metric.Metrics) (output.Publisher, error) {
	switch cfg.Output.Type {
	case config.OutputKafka:
		return kafka.NewPublisher(kafka.DefaultConfig(cfg.Output.Topic, cfg.Output.Kafka.Brokers...), logger)

	case config.OutputJetStream:
		jsCfg := jetstream.DefaultConfig(cfg.Output.Topic)
		jsCfg.URL = cfg.Output.NATS.URL
		jsCfg.Stream = cfg.Output.NATS.Stream

		opts := natsOptions(cfg.Output.NATS, metrics)

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return jetstream.NewPublisher(connectCtx, jsCfg, logger, opts...)

	case config.OutputFile:
		return file.NewPublisher(file.Config{
			Path:   cfg.Output.File.Path,
			Format: cfg.Output.File.Format,
			Append: cfg.Output.File.Append,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown output type %q", cfg.Output.Type)
	}
}

// natsOptions maps the NATS connection settings onto client options
func natsOptions(n config.NATSConfig, metrics *metric.Metrics) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMetrics(metrics),
		natsclient.WithMaxReconnects(n.MaxReconnects),
	}
	if d := n.ReconnectWait(); d > 0 {
		opts = append(opts, natsclient.WithReconnectWait(d))
	}
	if d := n.PingInterval(); d > 0 {
		opts = append(opts, natsclient.WithPingInterval(d))
	}
	if d := n.DrainTimeout(); d > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(d))
	}
	if n.CircuitThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(int32(n.CircuitThreshold)))
	}
	if d := n.MaxBackoff(); d > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(d))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.User != "" {
		opts = append(opts, natsclient.WithCredentials(n.User, n.Password))
	}
	return opts
}
