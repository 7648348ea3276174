package main

import (
	"github.com/spf13/cobra"
)

// SetupRootCmd configures the root command and its subcommands, following
// Nebo's cmd/nebo/vars.go SetupRootCmd convention.
func SetupRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentcomd",
		Short: "AgentCom hub: coordinates a fleet of worker agents over persistent channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "./config.yaml", "path to the YAML config file")

	root.AddCommand(ServeCmd())
	root.AddCommand(AdminCmd())

	return root
}
