package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crawlkit/crawld/internal/config"
	"github.com/crawlkit/crawld/internal/server"
)

// newServeCmd builds the serve subcommand, which runs the HTTP service
// until it receives SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl orchestration HTTP service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			app, err := server.Build(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}

			return app.Run(cmd.Context())
		},
	}
}
