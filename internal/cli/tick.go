package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"keepsched/internal/app"
	"keepsched/internal/config"
)

func newTickCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single tick and print its report",
		Long: `tick processes every due reminder and subscription once, as the daemon would,
and prints the tick report as JSON. --at overrides the tick time (RFC3339).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}

			a, err := app.New(config.NewConfigManager(opts.configPath))
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()

			rep := a.TickOnce(cmd.Context(), now)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			return rep.Err()
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "tick time (RFC3339); defaults to now")
	return cmd
}
