package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "restyle",
		Short:         "Rewrite text in several tones at once, streamed as it is generated",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRewriteCmd(), newStylesCmd(), newBenchCmd())
	return root
}
