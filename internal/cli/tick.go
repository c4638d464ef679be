package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"polling-scheduler/internal/app"
	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/common/logging"
)

type tickOutput struct {
	TickID        string    `json:"tickId,omitempty"`
	T0            time.Time `json:"t0"`
	Skipped       bool      `json:"skipped,omitempty"`
	Due           int       `json:"due"`
	Triggered     int       `json:"triggered"`
	Errored       int       `json:"errored"`
	Disabled      int       `json:"disabled"`
	Rescheduled   int       `json:"rescheduled"`
	BackedOff     int       `json:"backedOff"`
	WriteFailures int       `json:"writeFailures"`
	DurationMS    int64     `json:"durationMs"`
}

func newTickCommand(envFile *string) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one tick and print its summary",
		Long: `Runs one tick anchored at --at (RFC3339), or at the current second, and prints
the tick summary as JSON. The command fails only when due triggers could not be
loaded; per-trigger failures are resolved in the store and counted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var t0 time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return errors.ConfigError(fmt.Sprintf("invalid --at %q: expected RFC3339", at))
				}
				t0 = parsed
			}

			cfg, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			defer logging.MustSync()

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Cleanup()

			summary, err := a.RunTick(cmd.Context(), t0)
			skipped := errors.Is(err, app.ErrTickSkipped)
			if err != nil && !skipped {
				return err
			}

			out := tickOutput{
				TickID:        summary.TickID,
				T0:            summary.T0,
				Skipped:       skipped,
				Due:           summary.Due,
				Triggered:     summary.Triggered,
				Errored:       summary.Errored,
				Disabled:      summary.Disabled,
				Rescheduled:   summary.Rescheduled,
				BackedOff:     summary.BackedOff,
				WriteFailures: summary.WriteFailures,
				DurationMS:    summary.Duration.Milliseconds(),
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Tick anchor time (RFC3339); defaults to now")
	return cmd
}
