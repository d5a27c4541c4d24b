package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mbrt/homeconnect-sync/internal/telemetry"
)

var (
	flagToken   string
	flagAPIHost string
	flagConfig  string

	telemetryShutdown func(context.Context) error
)

// NewRootCmd builds the hcsyncctl command tree.
func NewRootCmd() *cobra.Command {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	root := &cobra.Command{
		Use:           "hcsyncctl",
		Short:         "Demonstration client for the Home Connect appliance sync engine.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			cfg := loadConfig()
			shutdown, err := telemetry.Init(cfg.Telemetry)
			if err != nil {
				return err
			}
			telemetryShutdown = shutdown
			return nil
		},
		PersistentPostRunE: func(c *cobra.Command, args []string) error {
			if telemetryShutdown == nil {
				return nil
			}
			return telemetryShutdown(c.Context())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("HC_ACCESS_TOKEN"), "static bearer token (HC_ACCESS_TOKEN)")
	root.PersistentFlags().StringVar(&flagAPIHost, "api-host", "", "override the configured API host")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")

	root.AddCommand(newWatchCmd())
	root.AddCommand(newAppliancesCmd())
	root.AddCommand(newSnapshotCmd())
	return root
}
