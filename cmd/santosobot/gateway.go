package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"santosobot/internal/api"
	"santosobot/internal/auth"
	"santosobot/internal/bus"
	"santosobot/internal/channels"
	"santosobot/internal/channels/telegram"
	"santosobot/internal/config"
)

func newGatewayCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the HTTP and WebSocket gateway and the chat channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.path())
			if err != nil {
				return err
			}
			if err := setupLogging(cfg, false); err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg)
		},
	}
}

// runGateway 启动网关、指标端口、总线分发器以及已启用的渠道，直到 ctx 结束。
func runGateway(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := bus.Open(cfg.Bus)
	if err != nil {
		return err
	}
	defer b.Close()

	server := api.NewServer(cfg.Gateway, a.agent,
		api.WithAuth(auth.NewStatic(cfg.Gateway.APIKeys)),
		api.WithMetrics(a.metrics),
	)

	var bot *telegram.Bot
	if cfg.Channels.Telegram.Enabled {
		if bot, err = telegram.New(cfg.Channels.Telegram, b); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	if cfg.Gateway.MetricsAddr != "" {
		g.Go(func() error { return a.metrics.StartServer(ctx, cfg.Gateway.MetricsAddr) })
	}
	g.Go(func() error {
		return channels.NewDispatcher(b, a.agent, channels.WithWorkers(cfg.Gateway.Workers)).Run(ctx)
	})
	if bot != nil {
		g.Go(func() error { return bot.Run(ctx) })
	}

	a.logger.Info("网关已启动",
		"http", cfg.Gateway.HTTPAddr,
		"ws", cfg.Gateway.WSAddr,
		"metrics", cfg.Gateway.MetricsAddr,
		"bus", cfg.Bus.Driver,
		"telegram", cfg.Channels.Telegram.Enabled,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("网关已停止")
	return nil
}
