package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var maintenanceDays int

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Purge jobs, events, and tool samples older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		days := maintenanceDays
		if days == 0 {
			days = cfg.Retention.WindowDays
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		result, err := st.PurgeBefore(ctx, cutoff)
		if err != nil {
			return err
		}

		evicted, err := st.EvictIdleSessions(ctx, time.Now().UTC().Add(-time.Duration(cfg.Session.IdleTTLMinutes)*time.Minute))
		if err != nil {
			return err
		}

		zap.L().Info("maintenance complete",
			zap.Time("cutoff", cutoff),
			zap.Int("jobs", result.Jobs),
			zap.Int("events", result.ProgressEvents),
			zap.Int("tool_samples", result.ToolSamples),
			zap.Int("sessions_evicted", evicted))

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "purged before %s:\n", cutoff.Format(time.RFC3339))
		fmt.Fprintf(out, "  jobs:         %d\n", result.Jobs)
		fmt.Fprintf(out, "  events:       %d\n", result.ProgressEvents)
		fmt.Fprintf(out, "  tool samples: %d\n", result.ToolSamples)
		fmt.Fprintf(out, "  idle sessions: %d\n", evicted)
		return nil
	},
}

func init() {
	maintenanceCmd.Flags().IntVar(&maintenanceDays, "days", 0, "retention window in days (default from config)")
	rootCmd.AddCommand(maintenanceCmd)
}
