package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	syncWatch    bool
	syncInterval time.Duration
)

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "keep draining on an interval until interrupted")
	syncCmd.Flags().DurationVar(&syncInterval, "interval", 0, "drain interval for --watch (default sync.drain_interval)")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending operations against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := requireServer(rt); err != nil {
			return err
		}

		if syncWatch {
			interval := syncInterval
			if interval <= 0 {
				interval = rt.Config.Sync.DrainInterval.Std()
			}
			fmt.Printf("Draining every %s (Ctrl+C to stop)\n", interval)
			go rt.WatchConnectivity(ctx)
			rt.Background.Run(ctx, interval)
			return nil
		}

		drainCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		res, err := rt.Coordinator.DrainOnce(drainCtx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(res)
		}
		fmt.Printf("Synced: %d  Failed: %d  Deferred: %d  Abandoned: %d\n", res.Synced, res.Failed, res.Deferred, res.Abandoned)
		return nil
	},
}
