package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cacheMaxAge time.Duration
	clearYes    bool
)

func init() {
	cacheExpireCmd.Flags().DurationVar(&cacheMaxAge, "max-age", 0, "remove responses older than this (default store.cache_ttl)")
	clearCmd.Flags().BoolVar(&clearYes, "yes", false, "confirm removal of all local data")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheCmd.AddCommand(cacheExpireCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(clearCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and prune the response cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached request keys of the current generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRouter(func(ctx context.Context, rt *runtimeRouter) error {
			keys, err := rt.Keys(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(keys)
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <path-prefix>",
	Short: "Drop cached responses under a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRouter(func(ctx context.Context, rt *runtimeRouter) error {
			n, err := rt.Invalidate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d cached responses\n", n)
			return nil
		})
	},
}

var cacheExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove cached responses older than the cache TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRouter(func(ctx context.Context, rt *runtimeRouter) error {
			maxAge := cacheMaxAge
			if maxAge <= 0 {
				maxAge = rt.ttl
			}
			n, err := rt.ClearExpired(ctx, maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired responses\n", n)
			return nil
		})
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every cached response of the current generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRouter(func(ctx context.Context, rt *runtimeRouter) error {
			if err := rt.Purge(ctx); err != nil {
				return err
			}
			fmt.Println("Cache purged.")
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all local data: records, queue, outbox and cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearYes {
			return fmt.Errorf("this removes unsynced changes too; pass --yes to confirm")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.Store.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Println("Local data cleared.")
		return nil
	},
}
