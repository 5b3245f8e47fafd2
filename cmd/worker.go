package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a high-volume job worker with no HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerCount > 0 {
			cfg.Scheduler.MaxWorkers = workerCount
		}

		rt, err := initRuntime(ctx, "worker")
		if err != nil {
			return err
		}
		defer rt.Close()

		zap.L().Info("worker starting",
			zap.Int("max_workers", cfg.Scheduler.MaxWorkers),
			zap.Int("queue_size", cfg.Scheduler.QueueSize))

		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return rt.pool.Run(gCtx)
		})
		g.Go(func() error {
			rt.sessions.RunEviction(gCtx)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "worker goroutines (default from config)")
	rootCmd.AddCommand(workerCmd)
}
