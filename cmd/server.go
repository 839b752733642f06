package cmd

import (
	"github.com/spf13/cobra"
	"liveclass/config"
	server2 "liveclass/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start the session API and signaling server",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
