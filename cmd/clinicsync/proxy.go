package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	proxyListen  string
	proxySecret  string
	proxyNoDrain bool
)

func init() {
	proxyCmd.Flags().StringVar(&proxyListen, "listen", "127.0.0.1:8787", "address to serve on")
	proxyCmd.Flags().StringVar(&proxySecret, "trigger-secret", "", "enable POST /_sync/trigger signed with this secret")
	proxyCmd.Flags().BoolVar(&proxyNoDrain, "no-drain", false, "do not drain the queue periodically")
	rootCmd.AddCommand(proxyCmd)
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Serve the clinic app through the offline cache",
	Long: "Run a local reverse proxy in front of the configured server. Static assets\n" +
		"are served cache-first, allow-listed API reads network-first, and offline\n" +
		"fallbacks are returned when the server cannot be reached.",
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

		installCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = rt.Router.SkipWaiting(installCtx)
		cancel()
		if err != nil {
			fmt.Printf("Warning: could not precache assets (%v); serving pass-through until the next start\n", err)
		}

		mux := http.NewServeMux()
		if proxySecret != "" {
			trigger, err := rt.Background.TriggerHandler(proxySecret)
			if err != nil {
				return err
			}
			mux.Handle("/_sync/trigger", trigger)
		}
		mux.Handle("/", rt.Router.Handler())

		go rt.WatchConnectivity(ctx)
		if !proxyNoDrain {
			go rt.Background.Run(ctx, rt.Config.Sync.DrainInterval.Std())
		}

		srv := &http.Server{Addr: proxyListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Serving %s on http://%s (generation %s)\n", rt.Config.Server.BaseURL, proxyListen, rt.Router.Generation())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
