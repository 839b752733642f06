package cmd

import (
	"github.com/spf13/cobra"
	"liveclass/config"
)

func Root(config *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "liveclass",
		Short: "live class sessions over direct peer connections",
	}
	rootCmd.AddCommand(server(config))
	rootCmd.AddCommand(migrate(config))
	rootCmd.AddCommand(host(config))
	rootCmd.AddCommand(join(config))
	return rootCmd
}
