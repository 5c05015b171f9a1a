package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wyfcoding/heimdall/app"
	"github.com/wyfcoding/heimdall/config"
)

type rootOptions struct {
	configPath string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "heimdall",
		Short:         "Market data orchestrator with provider failover",
		Long:          "heimdall routes market data requests across upstream providers,\ntracking quotas, circuits and quarantines so callers always get the best available source.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the TOML config file (env HEIMDALL_* overrides)")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text or json")

	cmd.AddCommand(
		newServeCmd(opts),
		newFetchCmd(opts),
		newDiagCmd(opts),
		newResetCmd(opts),
	)
	return cmd
}

// runtime 为一次性命令装配运行时，不启动追踪导出。
func (o *rootOptions) runtime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return app.NewRuntime(ctx, cfg, app.RuntimeOptions{Version: version, Module: "cli"})
}

func (o *rootOptions) jsonOutput() bool { return o.output == "json" }

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
