package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"keepsched/internal/app"
	"keepsched/internal/config"
	logx "keepsched/pkg/logx"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config and print a redacted summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(opts.configPath).Parse()
			if err != nil {
				return err
			}
			if err := app.CheckConfig(cfg); err != nil {
				return fmt.Errorf("%s: %w", opts.configPath, err)
			}
			sections, fields := config.SummarizeConfigChange(nil, cfg)
			fields = append(fields, logx.String("path", opts.configPath), logx.Any("sections", sections))
			logx.NewWriter(cmd.OutOrStdout(), "info").Info("config.ok", fields...)
			return nil
		},
	})
	return cmd
}
