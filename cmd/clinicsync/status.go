package main

import (
	"context"
	"fmt"
	"time"

	"github.com/equidade/clinicsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, sync state and local storage usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		info, err := rt.Store.SyncInfo(ctx)
		if err != nil {
			return fmt.Errorf("failed to read sync info: %w", err)
		}
		pending, err := rt.Coordinator.PendingCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count pending operations: %w", err)
		}
		usage, err := rt.Store.Usage(ctx)
		if err != nil {
			return fmt.Errorf("failed to read storage usage: %w", err)
		}

		if flagJSON {
			return printJSON(map[string]any{
				"sync":    info,
				"pending": pending,
				"usage":   usage,
			})
		}

		cfg := rt.Config
		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		fmt.Printf("  Realtime:    %s\n", valueOrDefault(cfg.Server.WebSocketURL(), "(not set)"))
		if cfg.Server.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Store.Path, "(in memory)"))
		fmt.Printf("  Generation:  %s\n", cfg.Cache.Generation)
		fmt.Println()

		fmt.Println("Sync:")
		fmt.Printf("  Status:      %s\n", info.Status)
		if info.LastSync > 0 {
			fmt.Printf("  Last sync:   %s\n", time.UnixMilli(info.LastSync).Format(time.RFC3339))
		} else {
			fmt.Println("  Last sync:   never")
		}
		fmt.Printf("  Pending:     %d\n", pending)
		if info.ErrorMessage != "" {
			fmt.Printf("  Last error:  %s\n", info.ErrorMessage)
		}
		fmt.Println()

		fmt.Println("Storage:")
		var total int64
		for _, u := range usage {
			fmt.Printf("  %-32s %6d records  %10s\n", u.Collection, u.Records, clinicsync.FormatBytes(u.Bytes))
			total += u.Bytes
		}
		fmt.Printf("  %-32s %6s          %10s\n", "total", "", clinicsync.FormatBytes(total))
		return nil
	},
}
