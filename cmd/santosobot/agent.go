package main

import (
	"github.com/spf13/cobra"

	"santosobot/internal/channels/cli"
	"santosobot/internal/config"
)

type agentOptions struct {
	message string
	session string
	logs    bool
	trace   bool
}

func newAgentCmd(root *rootOptions) *cobra.Command {
	opts := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Chat with the assistant in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.path())
			if err != nil {
				return err
			}
			if err := setupLogging(cfg, !opts.logs); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			replOpts := []cli.Option{cli.WithTrace(opts.trace)}
			if opts.session != "" {
				replOpts = append(replOpts, cli.WithSession(opts.session))
			}
			repl := cli.New(a.agent, replOpts...)

			if opts.message == "" {
				return repl.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
			}
			resp, err := repl.RunOnce(cmd.Context(), opts.message)
			repl.Render(cmd.OutOrStdout(), resp, err)
			if err != nil {
				// Render 已经输出了可读的错误。
				cmd.SilenceErrors = true
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVarP(&opts.session, "session", "s", "", "session id (default cli:direct)")
	cmd.Flags().BoolVar(&opts.logs, "logs", false, "show runtime logs")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "print tool calls after each reply")
	return cmd
}
