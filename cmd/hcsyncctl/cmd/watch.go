package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mbrt/homeconnect-sync/internal/config"
	"github.com/mbrt/homeconnect-sync/pkg/homeconnect"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Load appliances, subscribe to the event stream, and print events until interrupted.",
		RunE: func(c *cobra.Command, args []string) error {
			return runWatch(context.Background())
		},
	}
}

func loadConfig() config.Config {
	var cfg *config.Config
	var err error
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config file")
		}
	} else {
		cfg = config.Load()
	}
	if flagAPIHost != "" {
		cfg.APIHost = flagAPIHost
	}
	return *cfg
}

func runWatch(ctx context.Context) error {
	cfg := loadConfig()
	auth := newStaticTokenAuth(flagToken)

	coord, err := homeconnect.Create(ctx, auth, cfg, homeconnect.RefreshAll)
	if err != nil {
		return err
	}
	defer coord.Close()

	coord.RegisterCallback().OnAny(func(haId, key string, value any) {
		log.Info().Str("haId", haId).Str("key", key).Interface("value", value).Msg("event")
	})

	if cfg.ReconcileSchedule != "" {
		if err := coord.ScheduleReconciliation(cfg.ReconcileSchedule); err != nil {
			log.Warn().Err(err).Msg("reconciliation schedule disabled")
		}
	}

	if err := coord.SubscribeForUpdates(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info().Msg("shutting down")
	return nil
}
