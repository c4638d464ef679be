package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"polling-scheduler/internal/app"
	"polling-scheduler/internal/common/logging"
)

func newServeCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ticks on TICK_SCHEDULE and serve /health and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			defer logging.MustSync()

			logging.Info("Starting polling scheduler",
				logging.Int("cpus", runtime.NumCPU()),
				logging.String("schedule", cfg.TickSchedule),
				logging.String("store", cfg.StoreBackend))

			return app.Serve(cmd.Context(), cfg)
		},
	}
}
