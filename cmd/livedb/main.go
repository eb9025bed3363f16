package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/config"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/engine"
	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/hooks/listeners"
	"github.com/INLOpen/livedb/replication"
	"github.com/INLOpen/livedb/server"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates the OpenTelemetry TracerProvider. With tracing
// disabled it returns a provider without exporters.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc", "":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("livedb")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

func registerListeners(hm hooks.HookManager, cfg *config.Config, logger *slog.Logger) {
	journalStats := listeners.NewJournalStatsListener()
	hm.Register(hooks.EventPostJournalAppend, journalStats)
	hm.Register(hooks.EventPostJournalRotate, journalStats)

	threshold := config.ParseDuration(cfg.Engine.SlowCommandThreshold, 0, logger)
	if threshold > 0 {
		slow := listeners.NewSlowOperationListener(logger, threshold)
		hm.Register(hooks.EventPostExecute, slow)
		hm.Register(hooks.EventPostQuery, slow)
		logger.Info("Slow operation logging enabled.", "threshold", threshold)
	}

	hm.Register(hooks.EventOnRoleChange, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		if p, ok := ev.Payload().(hooks.RoleChangePayload); ok {
			logger.Warn("Node role changed", "from", p.From, "to", p.To)
		}
		return nil
	}))
	hm.Register(hooks.EventOnPrimaryLost, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		logger.Error("Primary lost; waiting for an external coordinator to promote a replica.", "payload", ev.Payload())
		return nil
	}))
}

func seed(ctx context.Context, e *engine.Engine[*Inventory], logger *slog.Logger) error {
	if e.Role() != core.RolePrimary || e.CommittedSequence() > 0 {
		return nil
	}
	for _, p := range seedInventory {
		cmd := p
		res, err := e.Execute(ctx, &cmd)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", p.SKU, err)
		}
		logger.Info("Seeded product", "sku", p.SKU, "outcome", res.Outcome.String(), "sequence", res.Sequence)
	}
	res, err := e.ExecuteText(ctx, `len(filter(values(db.Products), {.Stock < arg0}))`, 600)
	if err != nil {
		return err
	}
	logger.Info("Products below reorder level", "count", res.Value)
	return nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	seedDemo := flag.Bool("seed", false, "Load sample products into an empty primary")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	if err := run(cfg, logger, *seedDemo); err != nil {
		logger.Error("livedb exited with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Application exited gracefully.")
}

func run(cfg *config.Config, logger *slog.Logger, seedDemo bool) error {
	if cfg.Engine.DataDir == "" {
		return errors.New("engine data_dir must be specified in the configuration file")
	}
	logger.Info("Using data directory", "path", cfg.Engine.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Debug.Enabled {
		debugSrv, err := server.NewDebugServer(cfg.Debug, logger)
		if err != nil {
			return err
		}
		g.Go(debugSrv.Start)
		g.Go(func() error {
			<-gctx.Done()
			debugSrv.Stop()
			return nil
		})
		collector := server.NewSystemCollector(cfg.Engine.DataDir, 2*time.Second, logger)
		collector.Start()
		defer collector.Stop()
	}

	hm := hooks.NewHookManager(logger)
	registerListeners(hm, cfg, logger)

	registry := codec.NewRegistry()
	registerInventoryCommands(registry)
	opts, err := engine.OptionsFromConfig(cfg, NewInventory, registry, logger)
	if err != nil {
		return err
	}
	opts.Clone = (*Inventory).Clone
	opts.TracerProvider = tp
	opts.HookManager = hm
	opts.Metrics = engine.NewEngineMetrics(cfg.Debug.MetricsEnabled, "livedb_")

	db, err := engine.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close engine", "error", err)
		}
	}()

	if seedDemo {
		if err := seed(ctx, db, logger); err != nil {
			return err
		}
	}

	if cfg.Replication.Mode != "" && cfg.Replication.Mode != "disabled" {
		nodeOpts, err := replication.NodeOptionsFromConfig(cfg.Replication, hm, logger)
		if err != nil {
			return err
		}
		nodeOpts.Server.Errors = db.Metrics().ReplicationErrorsTotal
		nodeOpts.Replica.Errors = db.Metrics().ReplicationErrorsTotal
		node, err := replication.NewNode(db, nodeOpts)
		if err != nil {
			if nodeOpts.Listener != nil {
				nodeOpts.Listener.Close()
			}
			return err
		}
		g.Go(func() error { return node.Run(gctx) })
	}

	logger.Info("Application running. Press Ctrl+C to exit.", "role", db.Role().String(), "sequence", db.CommittedSequence())
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received. Stopping...")
		return nil
	})
	return g.Wait()
}
