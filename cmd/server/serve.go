package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nayem2203/espcam-server/internal/config"
	"github.com/Nayem2203/espcam-server/internal/frame"
	"github.com/Nayem2203/espcam-server/internal/logging"
	"github.com/Nayem2203/espcam-server/internal/mock"
	"github.com/Nayem2203/espcam-server/internal/queue"
	"github.com/Nayem2203/espcam-server/internal/relay"
	"github.com/Nayem2203/espcam-server/internal/session"
	"github.com/Nayem2203/espcam-server/internal/ws"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveOptions struct {
	configPath string
	port       int
	host       string
	mock       bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts.mock, log)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	cmd.Flags().IntVar(&opts.port, "port", 0, "override server port")
	cmd.Flags().StringVar(&opts.host, "host", "", "override listen host")
	cmd.Flags().BoolVar(&opts.mock, "mock", false, "drive the relay with synthetic devices")
	return cmd
}

// loadConfig layers file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command, opts serveOptions) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, errors.Wrap(err, "environment")
	}

	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, mockMode bool, log *zap.Logger) error {
	registry := session.NewRegistry()
	commands := queue.New(cfg.Relay.QueueLimit, cfg.Relay.QueueMaxAge)
	core := relay.NewCore(registry, commands, nil, log)
	frames := frame.NewCache(cfg.Stream.Interval, log)
	server := ws.NewServer(cfg, core, frames, log)

	log.Info("relay starting",
		zap.Int("port", cfg.Server.Port),
		zap.Int("queueLimit", cfg.Relay.QueueLimit),
		zap.Duration("queueMaxAge", cfg.Relay.QueueMaxAge),
		zap.Bool("mock", mockMode))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.ListenAndServe(gctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), log)
	})
	if mockMode {
		gen := mock.NewGenerator(frames, core, cfg.Stream.Interval*2, log)
		gen.Start(gctx)
	}

	err := g.Wait()
	h := core.Health()
	log.Info("relay stopped",
		zap.Int("queuedCommands", h.QueuedCommands),
		zap.Uint64("delivered", h.Delivery.Delivered),
		zap.Uint64("failed", h.Delivery.Failed))
	return err
}
