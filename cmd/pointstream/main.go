// Package main implements the entry point for the PointStream service.
// PointStream ingests telemetry data points from a partitioned queue,
// resolves point identity, deduplicates batches and persists rows to the
// time-series store while keeping the current-value cache warm.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pointstream/config"
	"github.com/c360/pointstream/consumer"
	"github.com/c360/pointstream/deadletter"
	"github.com/c360/pointstream/directory"
	"github.com/c360/pointstream/health"
	"github.com/c360/pointstream/kvstate"
	"github.com/c360/pointstream/metric"
	"github.com/c360/pointstream/natsclient"
	"github.com/c360/pointstream/pipeline"
	"github.com/c360/pointstream/resolver"
	"github.com/c360/pointstream/sink/questdb"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pointstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting PointStream (telemetry point ingestion)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := svc.start(ctx); err != nil {
		svc.stop(cliCfg.ShutdownTimeout)
		return err
	}

	waitForShutdownSignal()
	slog.Info("Shutdown signal received", "timeout", cliCfg.ShutdownTimeout)
	svc.stop(cliCfg.ShutdownTimeout)
	slog.Info("Shutdown complete")
	return nil
}

// service holds the wired components in startup order.
type service struct {
	logger   *slog.Logger
	client   *natsclient.Client
	db       *directory.Postgres
	resolver *resolver.Cache
	writer   *questdb.Writer
	group    *consumer.Group
	pipeline *pipeline.Pipeline
	monitor  *health.Monitor
	ops      *health.Server
}

func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	registry := metric.NewRegistry()

	client, err := natsclient.NewClient(cfg.NATS.URL(),
		natsclient.WithClientName(appName+"-"+cfg.InstanceID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password),
		natsclient.WithToken(cfg.NATS.Token),
		natsclient.WithLogger(logger),
		natsclient.WithCoreMetrics(registry.CoreMetrics()),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to queue: %w", err)
	}

	stream, idem, values, claims, err := provisionTopology(ctx, client, cfg)
	if err != nil {
		return nil, err
	}

	db, err := directory.NewPostgres(ctx, cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("connect to point directory: %w", err)
	}

	res, err := resolver.New(db, cfg.Resolver, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	if err := res.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("load resolution snapshot: %w", err)
	}

	writer, err := questdb.NewWriter(cfg.Sink, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create sink writer: %w", err)
	}

	groupCfg := cfg.Consumer.Group
	groupCfg.InstanceID = cfg.InstanceID
	group, err := consumer.NewGroup(groupCfg, claims, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create partition group: %w", err)
	}

	dlq := deadletter.NewPublisher(client, logger, registry)

	factory := func(ctx context.Context, partition int) (pipeline.Reader, error) {
		cons, err := consumer.EnsureConsumer(ctx, stream, partition)
		if err != nil {
			return nil, err
		}
		return consumer.NewPartitionReader(partition, cons, cfg.Pipeline.FetchWait, logger), nil
	}

	pipe, err := pipeline.New(cfg.Pipeline, group, factory, res, idem, values, writer, dlq, logger, registry)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	monitor := health.NewMonitor()
	client.OnHealthChange(func(healthy bool) {
		if healthy {
			monitor.UpdateHealthy("natsclient", "connected")
		} else {
			monitor.UpdateUnhealthy("natsclient", "connection lost")
		}
	})
	ops := health.NewServer(cfg.Ops.ListenAddr, monitor, registry.PrometheusRegistry(), logger)

	return &service{
		logger:   logger,
		client:   client,
		db:       db,
		resolver: res,
		writer:   writer,
		group:    group,
		pipeline: pipe,
		monitor:  monitor,
		ops:      ops,
	}, nil
}

// provisionTopology creates the streams and KV buckets the service needs.
func provisionTopology(ctx context.Context, client *natsclient.Client, cfg *config.Config) (
	jetstream.Stream, *kvstate.IdempotencyStore, *kvstate.CurrentValueStore, *natsclient.KVStore, error) {

	stream, err := client.CreateStream(ctx, consumer.StreamConfig(cfg.Consumer.StreamMaxAge))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provision ingest stream: %w", err)
	}
	if _, err := client.CreateStream(ctx, deadletter.StreamConfig(0)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provision dead-letter stream: %w", err)
	}

	idem, err := kvstate.ProvisionIdempotency(ctx, client, cfg.State.IdempotencyTTL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provision idempotency store: %w", err)
	}
	values, err := kvstate.ProvisionCurrentValues(ctx, client, cfg.State.CurrentValueTTL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provision current-value store: %w", err)
	}

	claimsBucket, err := client.CreateKeyValueBucket(ctx, consumer.ClaimsBucketConfig(0))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("provision claims bucket: %w", err)
	}
	return stream, idem, values, client.NewKVStore(claimsBucket), nil
}

func (s *service) start(ctx context.Context) error {
	if err := s.resolver.Start(ctx); err != nil {
		return fmt.Errorf("start resolver: %w", err)
	}
	if err := s.writer.Start(ctx); err != nil {
		return fmt.Errorf("start sink writer: %w", err)
	}
	if err := s.group.Start(ctx); err != nil {
		return fmt.Errorf("start partition group: %w", err)
	}
	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := s.ops.Start(ctx); err != nil {
		return fmt.Errorf("start ops listener: %w", err)
	}

	s.monitor.UpdateHealthy("natsclient", "connected")
	s.monitor.UpdateHealthy("resolver", "snapshot loaded")
	s.monitor.UpdateHealthy("pipeline", "running")
	s.logger.Info("service started")
	return nil
}

// stop shuts components down in reverse order: fetching stops before the
// sink so in-flight batches can still flush and commit.
func (s *service) stop(timeout time.Duration) {
	stops := []struct {
		name string
		fn   func(time.Duration) error
	}{
		{"pipeline", s.pipeline.Stop},
		{"partition group", s.group.Stop},
		{"sink writer", s.writer.Stop},
		{"resolver", s.resolver.Stop},
		{"ops listener", s.ops.Stop},
	}
	for _, stop := range stops {
		if err := stop.fn(timeout); err != nil {
			s.logger.Warn("component stop failed", "component", stop.name, "error", err)
		}
	}

	s.db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.client.Close(ctx); err != nil {
		s.logger.Warn("queue client close failed", "error", err)
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
