package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"santosobot/internal/config"
	"santosobot/internal/knowledge"
)

func newOnboardCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config and seed the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.path()
			out := cmd.OutOrStdout()

			switch err := config.WriteDefault(path); {
			case errors.Is(err, config.ErrConfigExists):
				fmt.Fprintf(out, "Config already exists at %s, keeping it\n", path)
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "Created config at %s\n", path)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			created, err := knowledge.Seed(cfg.Agent.Workspace)
			if err != nil {
				return fmt.Errorf("seed workspace: %w", err)
			}
			fmt.Fprintf(out, "Workspace ready at %s\n", cfg.Agent.Workspace)
			for _, p := range created {
				fmt.Fprintf(out, "  + %s\n", p)
			}
			if cfg.Provider.APIKey == "" {
				fmt.Fprintln(out, "Next: set provider.api_key in the config, then run `santosobot agent`.")
			}
			return nil
		},
	}
}
