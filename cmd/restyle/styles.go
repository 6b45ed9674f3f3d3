package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/restyle/internal/app"
	"github.com/ent0n29/restyle/internal/client"
	"github.com/ent0n29/restyle/internal/config"
	"github.com/ent0n29/restyle/internal/style"
)

func newStylesCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "styles",
		Short: "List the rewriting styles and their prompt templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var defs []style.Definition
			if server != "" {
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				remote, err := client.New(server, nil).Styles(ctx)
				if err != nil {
					return err
				}
				defs = remote
			} else {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("config error: %w", err)
				}
				table, err := app.LoadStyles(cfg)
				if err != nil {
					return err
				}
				defs = table.Definitions()
			}
			renderStyles(cmd.OutOrStdout(), defs)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "query a running server instead of the local configuration")
	return cmd
}
