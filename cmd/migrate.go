package cmd

import (
	"github.com/spf13/cobra"
	"liveclass/config"
	"liveclass/migrations"
	server2 "liveclass/server"
)

func migrate(config *config.Config) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := server2.SetupLogger(config)
			if down {
				return migrations.Down(ctx, config.DB)
			}
			return migrations.Up(ctx, config.DB)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the latest migration")
	return cmd
}
