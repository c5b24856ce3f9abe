package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/pipesearch/internal/api"
	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/stream"
	"github.com/Iron-Ham/pipesearch/internal/tracer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote API",
	Long: `Run the orchestrator behind the HTTP API.

Clients open sessions, start searches, score, train and test pipelines,
and follow session events over a websocket. Events can additionally be
fanned out to other instances through Redis and recorded in a NATS
JetStream stream.

Changes to scheduler.max_running in the config file apply without a
restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("address", "", "listen address (overrides server.address)")
	_ = viper.BindPFlag("server.address", serveCmd.Flags().Lookup("address"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracer.Init(ctx, tracer.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     Version,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	rt, err := startCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	bridge := stream.NewBridge(rt.bus, logger, stream.WithBuffer(cfg.Stream.Buffer))
	bridge.Start()
	defer func() { _ = bridge.Close() }()

	if err := attachSinks(ctx, cfg, bridge, logger); err != nil {
		return err
	}

	config.Watch(func(next *config.Config) {
		n := maxRunning(next)
		rt.orch.SetMaxRunning(n)
		logger.Info("configuration reloaded", "max_running", n)
	}, func(err error) {
		logger.Warn("ignoring invalid configuration change", "error", err)
	})

	srv := api.New(rt.orch, bridge, api.Options{
		AuthSecret:  cfg.Server.AuthSecret,
		CORSOrigins: cfg.Server.CORSOrigins,
		Tracing:     cfg.Tracing.Enabled,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "address", cfg.Server.Address, "instance", bridge.InstanceID())
		errCh <- srv.Listen(cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("api shutdown failed", "error", err)
	}
	return nil
}

// attachSinks connects the optional Redis fan-out and NATS sink. Both are
// closed when ctx ends.
func attachSinks(ctx context.Context, cfg *config.Config, bridge *stream.Bridge, logger *logging.Logger) error {
	if url := cfg.Stream.RedisURL; url != "" {
		fanout, err := stream.NewRedisFanout(url, cfg.Stream.RedisChannel, bridge, logger)
		if err != nil {
			return err
		}
		if err := fanout.Ping(ctx); err != nil {
			_ = fanout.Close()
			return fmt.Errorf("redis unreachable: %w", err)
		}
		if err := bridge.Attach(ctx, fanout); err != nil {
			_ = fanout.Close()
			return err
		}
		go fanout.Run(ctx)
		context.AfterFunc(ctx, func() { _ = fanout.Close() })
		logger.Info("redis fan-out enabled", "channel", cfg.Stream.RedisChannel)
	}

	if url := cfg.Stream.NATSURL; url != "" {
		sink, err := stream.NewNATSSink(ctx, url, cfg.Stream.NATSStream, logger)
		if err != nil {
			return err
		}
		if err := bridge.Attach(ctx, sink); err != nil {
			_ = sink.Close()
			return err
		}
		context.AfterFunc(ctx, func() { _ = sink.Close() })
		logger.Info("nats sink enabled", "stream", cfg.Stream.NATSStream)
	}
	return nil
}
