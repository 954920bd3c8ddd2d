package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"santosobot/internal/config"
	"santosobot/sdk/go/santoso"
)

const statusProbeTimeout = 2 * time.Second

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and probe a running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.path()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config:    %s\n", path)
			fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
			fmt.Fprintf(out, "Provider:  %s (%s)\n", cfg.Provider.APIBase, cfg.Provider.Model)
			fmt.Fprintf(out, "API key:   %s\n", presence(cfg.Provider.APIKey != ""))
			fmt.Fprintf(out, "Memory:    %s\n", cfg.Memory.Backend)
			fmt.Fprintf(out, "Telegram:  %s\n", enabled(cfg.Channels.Telegram.Enabled))
			fmt.Fprintf(out, "Gateway:   %s\n", probeGateway(cmd.Context(), cfg.Gateway))
			return nil
		},
	}
}

// probeGateway 调用本机网关的 /health，失败时返回原因而不是错误。
func probeGateway(ctx context.Context, cfg config.GatewayConfig) string {
	base := gatewayURL(cfg.HTTPAddr)
	client, err := santoso.NewClient(base, nil)
	if err != nil {
		return "invalid address " + cfg.HTTPAddr
	}
	if len(cfg.APIKeys) > 0 {
		client.SetAPIKey(cfg.APIKeys[0])
	}
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Sprintf("not reachable at %s", base)
	}
	return fmt.Sprintf("%s at %s (model %s, up %ds)", health.Status, base, health.Model, health.UptimeSeconds)
}

func gatewayURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func presence(ok bool) string {
	if ok {
		return "set"
	}
	return "missing"
}

func enabled(ok bool) string {
	if ok {
		return "enabled"
	}
	return "disabled"
}
