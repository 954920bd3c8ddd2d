package main

import (
	"github.com/spf13/cobra"

	"santosobot/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "santosobot",
		Short:         "santosobot: a personal AI assistant runtime",
		Long:          "santosobot turns natural-language requests into bounded sequences of tool calls against an OpenAI-compatible model, from the terminal, Telegram or an HTTP/WebSocket gateway.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ~/.santosobot/config.toml)")

	rootCmd.AddCommand(
		newOnboardCmd(opts),
		newAgentCmd(opts),
		newGatewayCmd(opts),
		newStatusCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}
