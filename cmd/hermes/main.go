package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hermes-inc/hermes/internal/interfaces/cli/admin"
	"github.com/hermes-inc/hermes/internal/interfaces/cli/migrate"
	"github.com/hermes-inc/hermes/internal/interfaces/cli/server"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hermes",
		Short: "Hermes - a DIDComm mediator",
		Long:  `Hermes routes encrypted agent-to-agent messages, parks them for offline recipients and delivers them over websocket, SSE or push.`,
	}

	rootCmd.AddCommand(
		server.NewCommand(),
		migrate.NewCommand(),
		admin.NewCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
