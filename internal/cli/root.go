// Package cli is the keepsched command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"keepsched/internal/config"
)

type options struct {
	configPath string
	envFiles   []string
}

func newRootCmd(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "keepsched",
		Short: "Recurring reminder and subscription renewal scheduler",
		Long: `keepsched fires due note reminders and renews due subscriptions on a fixed
interval, against the notes backend database.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(opts.envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./keepsched.yaml", "path to config (json or yaml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newTickCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
