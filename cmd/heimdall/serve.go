package main

import (
	"github.com/spf13/cobra"

	"github.com/wyfcoding/heimdall/app"
	"github.com/wyfcoding/heimdall/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service with background maintenance jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			rt, err := app.NewRuntime(cmd.Context(), cfg, app.RuntimeOptions{
				Version: version,
				Module:  "server",
				Tracing: true,
			})
			if err != nil {
				return err
			}
			config.PrintWithMask(cfg)

			a, err := app.Build(rt)
			if err != nil {
				rt.Close()
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
